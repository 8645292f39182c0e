package search

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/medblocks/fhir-core/apperror"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/storage"
	"github.com/medblocks/fhir-core/storage/mongogateway"
)

// reservedParams are FHIR search result-parameters spec §4.6 handles
// outside parameter compilation (paging, sorting, include expansion is
// package include's job).
var reservedParams = map[string]bool{
	"_count": true, "_offset": true, "_sort": true, "_summary": true,
	"_total": true, "_include": true, "_revinclude": true, "_elements": true,
}

// Query is a single FHIR search request, already parsed out of a query
// string by the caller (package httpapi): one entry per repeated
// parameter name, each holding its (possibly comma-separated-OR) raw
// values.
type Query struct {
	ResourceType string
	// Params maps a raw parameter key (name, or "name:modifier") to its
	// values. Multiple entries for the same base name AND together;
	// comma-separated values within one entry OR together, per spec
	// §4.6.
	Params map[string][]string
	// Count caps the number of matches returned; 0 uses Engine's default.
	Count int
	Offset int
	// Sort holds search parameter names, "-" prefixed for descending.
	Sort []string
}

// paginationKeyCap is spec §4.6 step 2's "up to an upper cap (default
// 1000) of ordered document keys for pagination continuity": the FTS
// phase always requests this many keys (independent of the requested
// page size), so a continuation token can serve pages beyond the first
// without re-running the query.
const paginationKeyCap = 1000

// Result is a compiled-and-executed search's output: matching resources
// in server order, plus the total spec §4.6 reports in Bundle.total.
type Result struct {
	Resources []*resource.Resource
	Total     int
	// Keys is the full ordered key list the FTS phase fetched (up to
	// paginationKeyCap), for the caller to register as pagination state;
	// it generally holds more keys than Resources, which is only the
	// first page.
	Keys []string
}

// Engine executes spec §4.6's read-side search phases: compile
// parameters, run the FTS query, fetch full documents, parse.
type Engine struct {
	Gateway storage.Gateway
	Routing *routing.Table
	Params  Registry
	Bucket  string

	DefaultCount int
	MaxCount     int
}

func (e *Engine) defaultCount() int {
	if e.DefaultCount > 0 {
		return e.DefaultCount
	}
	return 20
}

func (e *Engine) clampCount(requested int) int {
	if requested <= 0 {
		requested = e.defaultCount()
	}
	if e.MaxCount > 0 && requested > e.MaxCount {
		return e.MaxCount
	}
	return requested
}

// compileFilter turns q.Params into a single bson.M AND of each
// parameter's compiled clause, per spec §4.6's "unknown parameters
// produce a validation error" and "each parameter's type determines its
// compilation rule". A resourceType clause is always included, so types
// sharing a collection (the General catch-all) only match their own
// documents.
func (e *Engine) compileFilter(resourceType string, params map[string][]string) (bson.M, error) {
	ands := []bson.M{{"resourceType": resourceType}}
	for key, values := range params {
		name, modifier := splitModifier(key)
		if reservedParams[name] {
			continue
		}
		def, ok := e.Params.Lookup(resourceType, name)
		if !ok {
			return nil, apperror.Validationf("unknown search parameter %q for %s", name, resourceType)
		}
		clause, err := Compile(def, splitOr(values), modifier)
		if err != nil {
			return nil, err
		}
		ands = append(ands, clause)
	}
	if len(ands) == 0 {
		return bson.M{}, nil
	}
	if len(ands) == 1 {
		return ands[0], nil
	}
	return bson.M{"$and": ands}, nil
}

// splitOr expands comma-separated OR values within each repeated-param
// occurrence into one flat slice.
func splitOr(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Split(v, ",")...)
	}
	return out
}

func (e *Engine) sortFields(resourceType string, sort []string) ([]storage.SortField, error) {
	var fields []storage.SortField
	for _, s := range sort {
		desc := strings.HasPrefix(s, "-")
		name := strings.TrimPrefix(s, "-")
		if name == "_id" || name == "_lastUpdated" {
			fields = append(fields, storage.SortField{Path: "meta.lastUpdated", Descending: desc})
			continue
		}
		def, ok := e.Params.Lookup(resourceType, name)
		if !ok {
			return nil, apperror.Validationf("unknown sort parameter %q for %s", name, resourceType)
		}
		fields = append(fields, storage.SortField{Path: def.Path, Descending: desc})
	}
	return fields, nil
}

// FindIDs runs q with a result cap and returns matching document keys
// ("Type/id") without fetching full bodies -- the conditional resolver's
// LIMIT 2 ambiguity check (spec §4.5) and the Bundle Processor's
// existence checks both only need keys.
func (e *Engine) FindIDs(ctx context.Context, bucket string, q Query) ([]string, error) {
	collection, err := e.Routing.TargetCollection(q.ResourceType)
	if err != nil {
		return nil, apperror.Validationf("%v", err)
	}
	index, err := e.Routing.FTSIndex(q.ResourceType, bucket)
	if err != nil {
		return nil, apperror.Validationf("%v", err)
	}

	filter, err := e.compileFilter(q.ResourceType, q.Params)
	if err != nil {
		return nil, err
	}

	res, err := e.Gateway.SearchQuery(ctx, index, mongogateway.MongoQuery{
		Bucket:     bucket,
		Collection: collection,
		Filter:     filter,
	}, storage.SearchOptions{Limit: e.clampCount(q.Count)})
	if err != nil {
		return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "FindIDs: SearchQuery failed")
	}

	// res.RowIDs already carries the full "Type/id" live-document key
	// (that is what the mongogateway stores as _id), so no further
	// qualification is needed here.
	return res.RowIDs, nil
}

// Search runs the full read-side pipeline of spec §4.6: compile, search,
// fetch, parse. Include expansion (_include/_revinclude) is layered on
// top by package include; this method reports only the primary match
// set and total.
func (e *Engine) Search(ctx context.Context, bucket string, q Query) (*Result, error) {
	collection, err := e.Routing.TargetCollection(q.ResourceType)
	if err != nil {
		return nil, apperror.Validationf("%v", err)
	}
	index, err := e.Routing.FTSIndex(q.ResourceType, bucket)
	if err != nil {
		return nil, apperror.Validationf("%v", err)
	}

	filter, err := e.compileFilter(q.ResourceType, q.Params)
	if err != nil {
		return nil, err
	}

	sortFields, err := e.sortFields(q.ResourceType, q.Sort)
	if err != nil {
		return nil, err
	}

	searchResult, err := e.Gateway.SearchQuery(ctx, index, mongogateway.MongoQuery{
		Bucket:     bucket,
		Collection: collection,
		Filter:     filter,
	}, storage.SearchOptions{
		Limit: paginationKeyCap,
		Skip:  q.Offset,
		Sort:  sortFields,
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "Search: SearchQuery failed")
	}

	if len(searchResult.RowIDs) == 0 {
		return &Result{Total: searchResult.TotalRows}, nil
	}

	pageKeys := searchResult.RowIDs
	if pageCount := e.clampCount(q.Count); len(pageKeys) > pageCount {
		pageKeys = pageKeys[:pageCount]
	}

	kvResults, err := e.Gateway.KVGetMany(ctx, bucket, "Resources", collection, pageKeys)
	if err != nil {
		return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "Search: KVGetMany failed")
	}

	resources := make([]*resource.Resource, 0, len(kvResults))
	for _, kv := range kvResults {
		if !kv.Present {
			continue
		}
		res, parseErr := resource.NewFromJSON(kv.Value)
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "Search: parse fetched document failed")
		}
		resources = append(resources, res)
	}

	return &Result{Resources: resources, Total: searchResult.TotalRows, Keys: searchResult.RowIDs}, nil
}
