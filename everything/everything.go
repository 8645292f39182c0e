// Package everything implements spec §4.8 ($everything): for a single
// Patient, fan out an FTS query across every non-reserved collection and
// concatenate the results. Generalizes the teacher's EverythingHandler
// (fhir-server/middleware, a crude single-collection stand-in) into a
// real multi-collection fan-out per spec §4.8's five-step protocol.
package everything

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/medblocks/fhir-core/apperror"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/storage"
	"github.com/medblocks/fhir-core/storage/mongogateway"
)

// clinicalDateFields is the fixed set of clinical-date fields spec §4.8
// step 3 names for the optional start/end bound.
var clinicalDateFields = []string{
	"effectiveDateTime", "issued", "recordedDate",
	"performedDateTime", "occurrenceDateTime", "authoredOn",
}

// Options carries $everything's optional query refinements.
type Options struct {
	// Types restricts the collections searched, by resource type; empty
	// means every mapped collection minus Versions/Tombstones.
	Types []string
	Start *time.Time
	End   *time.Time
	Since *time.Time
	Count int
}

func (o Options) count() int {
	if o.Count <= 0 {
		return 50
	}
	if o.Count > 200 {
		return 200
	}
	return o.Count
}

// Engine runs $everything over a Gateway.
type Engine struct {
	Gateway storage.Gateway
	Routing *routing.Table
}

// Result is the fan-out's ordered key list (collection iteration order
// is stable, per spec §4.8 step 4) plus the fetched first page.
type Result struct {
	Keys      []string
	Resources []*resource.Resource
}

// Run implements spec §4.8's protocol. The caller is responsible for
// the step-1 existence/tombstone check on the Patient itself; package
// engine's Everything performs it (checkLive) before calling Run.
func (e *Engine) Run(ctx context.Context, bucket, patientID string, opts Options) (*Result, error) {
	collections := e.targetCollections(opts.Types)
	patientRef := "Patient/" + patientID

	var allKeys []string
	for _, collection := range collections {
		filter := everythingFilter(patientRef, opts)

		// $everything queries are collection-scoped rather than
		// resourceType-scoped (one collection can serve several mapped
		// types); the collection name doubles as its own FTS index name,
		// fully qualified the same way routing.Table.FTSIndex does.
		searchResult, err := e.Gateway.SearchQuery(ctx, routing.FullyQualify(collection, bucket), mongogateway.MongoQuery{
			Bucket:     bucket,
			Collection: collection,
			Filter:     filter,
		}, storage.SearchOptions{
			Sort: []storage.SortField{{Path: "meta.lastUpdated", Descending: true}},
		})
		if err != nil {
			return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "everything: SearchQuery failed for "+collection)
		}
		allKeys = append(allKeys, searchResult.RowIDs...)
	}

	count := opts.count()
	pageKeys := allKeys
	if len(pageKeys) > count {
		pageKeys = pageKeys[:count]
	}

	resources, err := e.fetch(ctx, bucket, pageKeys)
	if err != nil {
		return nil, err
	}

	return &Result{Keys: allKeys, Resources: resources}, nil
}

func (e *Engine) targetCollections(types []string) []string {
	if len(types) == 0 {
		return e.Routing.AllCollections()
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range types {
		collection, err := e.Routing.TargetCollection(t)
		if err != nil || seen[collection] {
			continue
		}
		seen[collection] = true
		out = append(out, collection)
	}
	return out
}

// everythingFilter builds the filter of spec §4.8 step 3: a patient-or-
// subject reference match, ANDed with the optional clinical-date window
// and the optional meta.lastUpdated floor.
func everythingFilter(patientRef string, opts Options) bson.M {
	and := []bson.M{
		{"$or": []bson.M{
			{"patient.reference": patientRef},
			{"subject.reference": patientRef},
		}},
	}

	if opts.Start != nil || opts.End != nil {
		var dateOrs []bson.M
		for _, field := range clinicalDateFields {
			clause := bson.M{}
			if opts.Start != nil {
				clause["$gte"] = opts.Start.UTC().Format(time.RFC3339)
			}
			if opts.End != nil {
				clause["$lte"] = opts.End.UTC().Format(time.RFC3339)
			}
			dateOrs = append(dateOrs, bson.M{field: clause})
		}
		and = append(and, bson.M{"$or": dateOrs})
	}

	if opts.Since != nil {
		and = append(and, bson.M{"meta.lastUpdated": bson.M{"$gte": opts.Since.UTC().Format(time.RFC3339Nano)}})
	}

	if len(and) == 1 {
		return and[0]
	}
	return bson.M{"$and": and}
}

func (e *Engine) fetch(ctx context.Context, bucket string, keys []string) ([]*resource.Resource, error) {
	byCollection := make(map[string][]string)
	collectionOf := make(map[string]string)
	for _, key := range keys {
		resourceType := resourceTypeFromKey(key)
		collection, err := e.Routing.TargetCollection(resourceType)
		if err != nil {
			continue
		}
		collectionOf[key] = collection
		byCollection[collection] = append(byCollection[collection], key)
	}

	values := make(map[string][]byte, len(keys))
	for collection, collectionKeys := range byCollection {
		results, err := e.Gateway.KVGetMany(ctx, bucket, "Resources", collection, collectionKeys)
		if err != nil {
			return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "everything: KVGetMany failed for "+collection)
		}
		for _, r := range results {
			if r.Present {
				values[r.Key] = r.Value
			}
		}
	}

	resources := make([]*resource.Resource, 0, len(keys))
	for _, key := range keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		res, err := resource.NewFromJSON(raw)
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	return resources, nil
}

func resourceTypeFromKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}
