// Package engine is the top-level facade wiring routing, storage,
// write, conditional, search, include, everything, history, bundle, and
// paging into the operations spec.md names. This is what a REST adapter
// (cmd/fhir-core-server in this repo) calls; it is the only package
// that composes every other component together.
package engine

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"go.opencensus.io/trace"

	"github.com/medblocks/fhir-core/apperror"
	"github.com/medblocks/fhir-core/bundle"
	"github.com/medblocks/fhir-core/conditional"
	"github.com/medblocks/fhir-core/everything"
	"github.com/medblocks/fhir-core/history"
	"github.com/medblocks/fhir-core/include"
	"github.com/medblocks/fhir-core/paging"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/search"
	"github.com/medblocks/fhir-core/storage"
	"github.com/medblocks/fhir-core/write"
)

// Engine composes every component into the operations spec.md names:
// create, update, delete, conditional create/update, search, vread,
// history, $everything, and bundle processing.
type Engine struct {
	Routing          *routing.Table
	Gateway          storage.Gateway
	Write            *write.Pipeline
	Conditional      *conditional.Resolver
	Searcher         *search.Engine
	Includes         include.PathRegistry
	EverythingEngine *everything.Engine
	History          *history.Engine
	Pages            *paging.Store

	Bucket string
}

func (e *Engine) tx() storage.TxCtxOrFresh {
	return storage.TxCtxOrFresh{Gateway: e.Gateway, Bucket: e.Bucket}
}

// Create implements POST: server-assigned id, versionId "1".
func (e *Engine) Create(ctx context.Context, res *resource.Resource) (*resource.Resource, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Create")
	defer span.End()
	glog.V(3).Infof("engine: create %s", res.ResourceType())
	return e.Write.Post(ctx, e.tx(), res, "")
}

// Update implements PUT by client-specified id, with an optional
// If-Match conditionalVersionID.
func (e *Engine) Update(ctx context.Context, resourceType, id, conditionalVersionID string, res *resource.Resource) (*resource.Resource, bool, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Update")
	defer span.End()
	glog.V(3).Infof("engine: update %s/%s", resourceType, id)
	return e.Write.Put(ctx, e.tx(), resourceType, id, conditionalVersionID, res)
}

// Delete implements DELETE, idempotent per spec §4.4/§8.
func (e *Engine) Delete(ctx context.Context, resourceType, id string) error {
	ctx, span := trace.StartSpan(ctx, "engine.Delete")
	defer span.End()
	glog.V(3).Infof("engine: delete %s/%s", resourceType, id)
	return e.Write.Delete(ctx, e.tx(), resourceType, id, true)
}

// Read implements GET Type/id: a direct KV GET of the live document,
// the same collection the Write Pipeline targets. A tombstoned or
// never-existing id is reported as apperror.NotFound; distinguishing
// "gone" from "never existed" is left to the caller inspecting the
// Tombstones collection, which this read does not consult (spec §4.9
// scopes that distinction to history/vread, not plain read).
func (e *Engine) Read(ctx context.Context, resourceType, id string) (*resource.Resource, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Read")
	defer span.End()

	collection, err := e.Routing.TargetCollection(resourceType)
	if err != nil {
		return nil, apperror.Validationf("%v", err)
	}
	raw, err := e.Gateway.KVGet(ctx, e.Bucket, "Resources", collection, resourceType+"/"+id)
	if err != nil {
		return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "read: KVGet failed")
	}
	if raw == nil {
		return nil, apperror.NotFoundf("%s/%s not found", resourceType, id)
	}
	return resource.NewFromJSON(raw)
}

// ConditionalCreate implements spec §4.5's (resolveOne -> POST)
// composition: ZERO creates, ONE leaves the existing resource untouched
// and reports existed=true with a nil result, MANY fails without
// mutation.
func (e *Engine) ConditionalCreate(ctx context.Context, resourceType string, criteria map[string][]string, res *resource.Resource) (result *resource.Resource, existed bool, err error) {
	outcome, err := e.Conditional.Resolve(ctx, e.Bucket, resourceType, criteria)
	if err != nil {
		return nil, false, err
	}
	switch outcome.Kind {
	case conditional.ManyMatch:
		return nil, false, apperror.PreconditionFailedf("conditional create criteria matched more than one resource")
	case conditional.OneMatch:
		return nil, true, nil
	default:
		created, err := e.Write.Post(ctx, e.tx(), res, "")
		if err != nil {
			return nil, false, err
		}
		return created, false, nil
	}
}

// ConditionalUpdate implements spec §4.5's (resolveOne -> PUT)
// composition.
func (e *Engine) ConditionalUpdate(ctx context.Context, resourceType string, criteria map[string][]string, res *resource.Resource) (result *resource.Resource, createdNew bool, err error) {
	outcome, err := e.Conditional.Resolve(ctx, e.Bucket, resourceType, criteria)
	if err != nil {
		return nil, false, err
	}
	if outcome.Kind == conditional.ManyMatch {
		return nil, false, apperror.PreconditionFailedf("conditional update criteria matched more than one resource")
	}

	id := outcome.ID
	if id == "" {
		id = uuid.New().String()
	}
	return e.Write.Put(ctx, e.tx(), resourceType, id, "", res)
}

// SearchPage is one page of spec §4.6's search execution: the matched
// and included resources, the total, and an optional continuation
// token if more keys remain.
type SearchPage struct {
	Matches  []*resource.Resource
	Includes []*resource.Resource
	Total    int
	Token    string
	HasNext  bool
}

// Search implements spec §4.6's full pipeline: compile/execute/fetch,
// then layer Include Expansion on top, then register a pagination state
// when more matches exist than fit on one page.
func (e *Engine) Search(ctx context.Context, q search.Query, includeDirectives []string) (*SearchPage, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Search")
	defer span.End()

	result, err := e.Searcher.Search(ctx, e.Bucket, q)
	if err != nil {
		return nil, err
	}

	page := &SearchPage{Matches: result.Resources, Total: result.Total}

	if len(includeDirectives) > 0 {
		included, err := include.Expand(ctx, e.Gateway, e.Routing, e.Includes, e.Bucket, result.Resources, includeDirectives, include.Options{})
		if err != nil {
			return nil, err
		}
		page.Includes = included
	}

	// result.Keys holds the full (up-to-1000) ordered key list spec
	// §4.6 step 2 requires; registering it, not just the first page's
	// keys, lets ContinuePage serve page 2+ without re-querying.
	if len(result.Keys) > len(result.Resources) {
		page.Token = e.Pages.Put(e.Bucket, result.Keys, len(result.Resources))
		page.HasNext = true
	}

	return page, nil
}

// ContinuePage resolves a pagination token into a further page, per spec
// §4.12/§6's "?_getpages={token}&_getpagesoffset={n}&_count={n}"
// continuation: the token's stored key list is sliced with paging.Page
// and the resulting keys are fetched fresh, without re-running the
// original FTS query. count<=0 falls back to the page size the token was
// registered with.
func (e *Engine) ContinuePage(ctx context.Context, token string, offset, count int) (*SearchPage, error) {
	state, err := e.Pages.Get(token)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = state.PageSize
	}
	if count <= 0 {
		count = 20
	}

	keys := paging.Page(state.Keys, offset, count)
	resources, err := e.fetchByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}

	return &SearchPage{
		Matches: resources,
		Total:   len(state.Keys),
		Token:   token,
		HasNext: paging.HasNext(len(state.Keys), offset, count),
	}, nil
}

// fetchByKeys resolves a flat "Type/id" key list into full resources,
// grouping by target collection since a key list may span multiple
// resource types (as $everything's does). Grounded on
// everything.Engine's own per-collection KVGetMany grouping.
func (e *Engine) fetchByKeys(ctx context.Context, keys []string) ([]*resource.Resource, error) {
	byCollection := make(map[string][]string)
	for _, key := range keys {
		resourceType := resourceTypeFromKey(key)
		collection, err := e.Routing.TargetCollection(resourceType)
		if err != nil {
			continue
		}
		byCollection[collection] = append(byCollection[collection], key)
	}

	values := make(map[string][]byte, len(keys))
	for collection, collectionKeys := range byCollection {
		results, err := e.Gateway.KVGetMany(ctx, e.Bucket, "Resources", collection, collectionKeys)
		if err != nil {
			return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "fetchByKeys: KVGetMany failed")
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

// VRead implements spec §4.9's "Type/id/_history/vid".
func (e *Engine) VRead(ctx context.Context, resourceType, id, versionID string) (*resource.Resource, error) {
	return e.History.VRead(ctx, e.Bucket, resourceType, id, versionID)
}

// ResourceHistory implements spec §4.9's "Type/id/_history".
func (e *Engine) ResourceHistory(ctx context.Context, resourceType, id string, since *time.Time, count int) ([]history.Entry, error) {
	return e.History.History(ctx, e.Bucket, resourceType, id, since, count)
}

// EverythingPage wraps $everything's fan-out result with the same
// pagination-token contract as SearchPage.
type EverythingPage struct {
	Resources []*resource.Resource
	Total     int
	Token     string
	HasNext   bool
}

// Everything implements spec §4.8 ($everything): step 1's existence/
// tombstone check on the Patient itself, then the multi-collection
// fan-out, registering a pagination token when more keys remain than
// fit on the first page (scenario 8's 150-related-resource traversal).
func (e *Engine) Everything(ctx context.Context, patientID string, opts everything.Options) (*EverythingPage, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Everything")
	defer span.End()

	if err := e.checkLive(ctx, "Patient", patientID); err != nil {
		return nil, err
	}

	result, err := e.EverythingEngine.Run(ctx, e.Bucket, patientID, opts)
	if err != nil {
		return nil, err
	}

	page := &EverythingPage{Resources: result.Resources, Total: len(result.Keys)}
	if len(result.Keys) > len(result.Resources) {
		page.Token = e.Pages.Put(e.Bucket, result.Keys, len(result.Resources))
		page.HasNext = true
	}
	return page, nil
}

// checkLive implements the "KV-read the resource; absent -> NotFound,
// tombstoned -> Gone" existence check spec §4.8 step 1 asks callers to
// perform before operations, like $everything's fan-out, that don't
// already go through Read/VRead and so would otherwise silently treat a
// nonexistent or deleted patient as a zero-match search.
func (e *Engine) checkLive(ctx context.Context, resourceType, id string) error {
	collection, err := e.Routing.TargetCollection(resourceType)
	if err != nil {
		return apperror.Validationf("%v", err)
	}
	key := resourceType + "/" + id
	raw, err := e.Gateway.KVGet(ctx, e.Bucket, "Resources", collection, key)
	if err != nil {
		return apperror.Wrap(apperror.UnavailableDownstream, err, "checkLive: KVGet failed")
	}
	if raw != nil {
		return nil
	}
	tombstone, err := e.Gateway.KVGet(ctx, e.Bucket, "Resources", routing.TombstonesCollection, key)
	if err != nil {
		return apperror.Wrap(apperror.UnavailableDownstream, err, "checkLive: tombstone KVGet failed")
	}
	if tombstone != nil {
		return apperror.Gonef("%s/%s was deleted", resourceType, id)
	}
	return apperror.NotFoundf("%s/%s not found", resourceType, id)
}

// ApplyBundle implements spec §4.10: UUID pre-pass, reference rewrite,
// per-entry apply, inside one ambient transaction for "transaction"
// bundles or independent fresh transactions for "batch" bundles.
func (e *Engine) ApplyBundle(ctx context.Context, jsonBytes []byte) (bundleType string, responses []bundle.ResponseEntry, err error) {
	ctx, span := trace.StartSpan(ctx, "engine.ApplyBundle")
	defer span.End()

	bundleType, entries, err := bundle.ParseBundle(jsonBytes)
	if err != nil {
		return "", nil, err
	}

	entries, refMap, err := bundle.UUIDPrePass(entries)
	if err != nil {
		return "", nil, err
	}
	entries, err = bundle.ReferenceRewrite(entries, refMap)
	if err != nil {
		return "", nil, err
	}

	processor := &bundle.Processor{Write: e.Write, Conditional: e.Conditional, Bucket: e.Bucket}

	if bundleType == "transaction" {
		var responses []bundle.ResponseEntry
		txErr := e.Gateway.RunTransaction(ctx, e.Bucket, func(txc storage.TxContext) error {
			var applyErr error
			responses, applyErr = processor.Apply(ctx, storage.TxCtxOrFresh{Ambient: txc}, entries)
			return applyErr
		})
		if txErr != nil {
			return bundleType, nil, apperror.Wrap(apperror.Internal, txErr, "transaction bundle aborted")
		}
		return bundleType, responses, nil
	}

	responses, err = processor.Apply(ctx, e.tx(), entries)
	return bundleType, responses, err
}
