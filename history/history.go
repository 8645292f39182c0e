// Package history implements spec §4.9: vread (point-in-time version
// fetch) and history (the version list for a resource). Grounded on the
// Versions-collection archive write by package write and
// mongoSession.GetVersion/History's KV-then-FTS-then-batch shape.
package history

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

const scope = "Resources"

// Engine serves vread/history reads against the Versions collection and
// the live collection.
type Engine struct {
	Gateway storage.Gateway
	Routing *routing.Table
}

// VRead implements spec §4.9's "Type/id/_history/vid": a direct KV GET
// in Versions at key "Type/id/vid". A missing version is reported as
// apperror.NotFound. Neither this method nor package engine's VRead,
// which delegates here directly, consults the live or Tombstones
// collection.
func (e *Engine) VRead(ctx context.Context, bucket, resourceType, id, versionID string) (*resource.Resource, error) {
	key := resourceType + "/" + id + "/" + versionID
	raw, err := e.Gateway.KVGet(ctx, bucket, scope, routing.VersionsCollection, key)
	if err != nil {
		return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "vread: KVGet failed")
	}
	if raw == nil {
		return nil, apperror.NotFoundf("no version %s for %s/%s", versionID, resourceType, id)
	}
	return resource.NewFromJSON(raw)
}

// Entry is one row of a history listing: the resource body plus the
// live-document marker, which History sets on the live document's entry
// only.
type Entry struct {
	Resource *resource.Resource
	Current  bool
}

// History implements spec §4.9's "Type/id/_history": current live
// document (if any) first, then archived versions via FTS on Versions
// filtered by resourceType/id/since, sorted meta.lastUpdated DESC, then
// batch-fetched.
func (e *Engine) History(ctx context.Context, bucket, resourceType, id string, since *time.Time, count int) ([]Entry, error) {
	collection, err := e.Routing.TargetCollection(resourceType)
	if err != nil {
		return nil, apperror.Validationf("%v", err)
	}

	var entries []Entry

	liveKey := resourceType + "/" + id
	liveBytes, err := e.Gateway.KVGet(ctx, bucket, scope, collection, liveKey)
	if err != nil {
		return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "history: KVGet live failed")
	}
	if liveBytes != nil {
		live, parseErr := resource.NewFromJSON(liveBytes)
		if parseErr != nil {
			return nil, parseErr
		}
		entries = append(entries, Entry{Resource: live, Current: true})
	}

	filter := bson.M{"resourceType": resourceType, "id": id}
	if since != nil {
		filter["meta.lastUpdated"] = bson.M{"$gte": since.UTC().Format(time.RFC3339Nano)}
	}

	searchResult, err := e.Gateway.SearchQuery(ctx, routing.FullyQualify(routing.VersionsCollection, bucket), mongogateway.MongoQuery{
		Bucket:     bucket,
		Collection: routing.VersionsCollection,
		Filter:     filter,
	}, storage.SearchOptions{
		Limit: count,
		Sort:  []storage.SortField{{Path: "meta.lastUpdated", Descending: true}},
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "history: SearchQuery failed")
	}

	if len(searchResult.RowIDs) == 0 {
		return entries, nil
	}

	versionResults, err := e.Gateway.KVGetMany(ctx, bucket, scope, routing.VersionsCollection, searchResult.RowIDs)
	if err != nil {
		return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "history: KVGetMany failed")
	}
	for _, r := range versionResults {
		if !r.Present {
			continue
		}
		res, parseErr := resource.NewFromJSON(r.Value)
		if parseErr != nil {
			return nil, parseErr
		}
		entries = append(entries, Entry{Resource: res})
	}

	return entries, nil
}
