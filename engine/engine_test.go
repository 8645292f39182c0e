package engine

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medblocks/fhir-core/conditional"
	"github.com/medblocks/fhir-core/everything"
	"github.com/medblocks/fhir-core/history"
	"github.com/medblocks/fhir-core/paging"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/search"
	"github.com/medblocks/fhir-core/storage"
	"github.com/medblocks/fhir-core/storage/mongogateway"
	"github.com/medblocks/fhir-core/write"
)

// fakeGateway is a shared in-memory storage.Gateway exercising every
// collaborator Engine composes: KV ops back Read/Write directly,
// SearchQuery returns a per-collection key list ignoring the actual
// Mongo filter (parameter compilation via search.Compile is covered by
// package search's own tests), and RunTransaction runs body against
// a fakeTx sharing the same document store.
type fakeGateway struct {
	docs        map[string]map[string][]byte // collection -> key -> value
	searchKeys  map[string][]string          // collection -> keys SearchQuery returns
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		docs:       make(map[string]map[string][]byte),
		searchKeys: make(map[string][]string),
	}
}

func (g *fakeGateway) get(collection, key string) ([]byte, bool) {
	v, ok := g.docs[collection][key]
	return v, ok
}

func (g *fakeGateway) put(collection, key string, value []byte) {
	if g.docs[collection] == nil {
		g.docs[collection] = make(map[string][]byte)
	}
	g.docs[collection][key] = value
}

func (g *fakeGateway) KVGet(ctx context.Context, bucket, scope, collection, key string) ([]byte, error) {
	v, _ := g.get(collection, key)
	return v, nil
}

func (g *fakeGateway) KVGetMany(ctx context.Context, bucket, scope, collection string, keys []string) ([]storage.KVResult, error) {
	out := make([]storage.KVResult, 0, len(keys))
	for _, k := range keys {
		v, ok := g.get(collection, k)
		out = append(out, storage.KVResult{Key: k, Value: v, Present: ok})
	}
	return out, nil
}

func (g *fakeGateway) KVUpsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error {
	g.put(collection, key, value)
	return nil
}
func (g *fakeGateway) KVInsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error {
	g.put(collection, key, value)
	return nil
}
func (g *fakeGateway) KVRemove(ctx context.Context, bucket, scope, collection, key string) error {
	delete(g.docs[collection], key)
	return nil
}
func (g *fakeGateway) RunQuery(ctx context.Context, bucket, statement string, params map[string]interface{}, readOnly bool) ([]storage.Row, error) {
	panic("not used by engine tests")
}

func (g *fakeGateway) SearchQuery(ctx context.Context, index string, query storage.Query, opts storage.SearchOptions) (*storage.SearchResult, error) {
	mq := query.(mongogateway.MongoQuery)
	keys := g.searchKeys[mq.Collection]
	if opts.Limit > 0 && len(keys) > opts.Limit {
		return &storage.SearchResult{RowIDs: keys[:opts.Limit], TotalRows: len(keys)}, nil
	}
	return &storage.SearchResult{RowIDs: keys, TotalRows: len(keys)}, nil
}

func (g *fakeGateway) RunTransaction(ctx context.Context, bucket string, body func(tx storage.TxContext) error) error {
	return body(&fakeTx{g: g})
}

type fakeTx struct {
	g *fakeGateway
}

func (t *fakeTx) Get(ctx context.Context, scope, collection, key string) ([]byte, bool, error) {
	v, ok := t.g.get(collection, key)
	return v, ok, nil
}
func (t *fakeTx) Insert(ctx context.Context, scope, collection, key string, value []byte) error {
	t.g.put(collection, key, value)
	return nil
}
func (t *fakeTx) Replace(ctx context.Context, scope, collection, key string, value []byte) error {
	t.g.put(collection, key, value)
	return nil
}
func (t *fakeTx) ReplaceWithCAS(ctx context.Context, scope, collection, key, expectedVersionID string, value []byte) error {
	current, ok := t.g.get(collection, key)
	if ok {
		res, err := resource.NewFromJSON(current)
		if err == nil && res.VersionId() != expectedVersionID {
			return storage.ErrCASMismatch{Collection: collection, Key: key}
		}
	}
	t.g.put(collection, key, value)
	return nil
}
func (t *fakeTx) Remove(ctx context.Context, scope, collection, key string) error {
	delete(t.g.docs[collection], key)
	return nil
}

func testEngine(gateway *fakeGateway) *Engine {
	table := routing.NewTable(routing.StaticMapping{
		{ResourceType: "Patient", Collection: "Patients", FTSIndex: "PatientIdx"},
		{ResourceType: "Observation", Collection: "Observations", FTSIndex: "ObservationIdx"},
	})
	searcher := &search.Engine{
		Gateway: gateway,
		Routing: table,
		Params: search.StaticRegistry{
			"Patient": {"identifier": {Name: "identifier", Type: search.Token, Path: "identifier"}},
		},
	}
	return &Engine{
		Routing:          table,
		Gateway:          gateway,
		Write:            &write.Pipeline{Routing: table, Bucket: "fhir"},
		Conditional:      &conditional.Resolver{Searcher: searcher},
		Searcher:         searcher,
		EverythingEngine: &everything.Engine{Gateway: gateway, Routing: table},
		History:          &history.Engine{Gateway: gateway, Routing: table},
		Pages:            paging.NewStore(0),
		Bucket:           "fhir",
	}
}

func TestEngineCreateAssignsIDAndVersion1(t *testing.T) {
	e := testEngine(newFakeGateway())
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	created, err := e.Create(context.Background(), res)
	assert.NoError(t, err)
	assert.NotEmpty(t, created.Id())
	assert.Equal(t, "1", created.VersionId())
}

func TestEngineReadRoundTrip(t *testing.T) {
	e := testEngine(newFakeGateway())
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))
	created, err := e.Create(context.Background(), res)
	assert.NoError(t, err)

	got, err := e.Read(context.Background(), "Patient", created.Id())
	assert.NoError(t, err)
	assert.Equal(t, created.Id(), got.Id())
}

func TestEngineReadMissingIsNotFound(t *testing.T) {
	e := testEngine(newFakeGateway())
	_, err := e.Read(context.Background(), "Patient", "never-existed")
	assert.Error(t, err)
}

func TestEngineUpdateThenDelete(t *testing.T) {
	e := testEngine(newFakeGateway())
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	updated, createdNew, err := e.Update(context.Background(), "Patient", "42", "", res)
	assert.NoError(t, err)
	assert.True(t, createdNew)
	assert.Equal(t, "1", updated.VersionId())

	err = e.Delete(context.Background(), "Patient", "42")
	assert.NoError(t, err)

	_, err = e.Read(context.Background(), "Patient", "42")
	assert.Error(t, err)
}

func TestEngineConditionalCreateZeroMatchCreates(t *testing.T) {
	gateway := newFakeGateway()
	e := testEngine(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	created, existed, err := e.ConditionalCreate(context.Background(), "Patient", map[string][]string{"identifier": {"abc"}}, res)
	assert.NoError(t, err)
	assert.False(t, existed)
	assert.NotNil(t, created)
}

func TestEngineConditionalCreateOneMatchReturnsExisting(t *testing.T) {
	gateway := newFakeGateway()
	gateway.searchKeys["Patients"] = []string{"Patient/99"}
	e := testEngine(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	_, existed, err := e.ConditionalCreate(context.Background(), "Patient", map[string][]string{"identifier": {"abc"}}, res)
	assert.NoError(t, err)
	assert.True(t, existed)
}

func TestEngineConditionalCreateManyMatchFails(t *testing.T) {
	gateway := newFakeGateway()
	gateway.searchKeys["Patients"] = []string{"Patient/1", "Patient/2"}
	e := testEngine(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	_, _, err := e.ConditionalCreate(context.Background(), "Patient", map[string][]string{"identifier": {"abc"}}, res)
	assert.Error(t, err)
}

func TestEngineConditionalUpdateOneMatchUpdatesThatID(t *testing.T) {
	gateway := newFakeGateway()
	gateway.put("Patients", "Patient/99", []byte(`{"resourceType":"Patient","id":"99","meta":{"versionId":"1"}}`))
	gateway.searchKeys["Patients"] = []string{"Patient/99"}
	e := testEngine(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	updated, createdNew, err := e.ConditionalUpdate(context.Background(), "Patient", map[string][]string{"identifier": {"abc"}}, res)
	assert.NoError(t, err)
	assert.False(t, createdNew)
	assert.Equal(t, "99", updated.Id())
	assert.Equal(t, "2", updated.VersionId())
}

func TestEngineSearchReturnsMatchesWithoutTokenWhenAllFetched(t *testing.T) {
	gateway := newFakeGateway()
	gateway.put("Patients", "Patient/1", []byte(`{"resourceType":"Patient","id":"1"}`))
	gateway.searchKeys["Patients"] = []string{"Patient/1"}
	e := testEngine(gateway)

	page, err := e.Search(context.Background(), search.Query{ResourceType: "Patient", Params: map[string][]string{"identifier": {"abc"}}}, nil)
	assert.NoError(t, err)
	assert.Len(t, page.Matches, 1)
	assert.False(t, page.HasNext)
	assert.Empty(t, page.Token)
}

func TestEngineVReadAndHistory(t *testing.T) {
	gateway := newFakeGateway()
	gateway.put(routing.VersionsCollection, "Patient/1/1", []byte(`{"resourceType":"Patient","id":"1","meta":{"versionId":"1"}}`))
	gateway.searchKeys[routing.VersionsCollection] = []string{"Patient/1/1"}
	e := testEngine(gateway)

	vread, err := e.VRead(context.Background(), "Patient", "1", "1")
	assert.NoError(t, err)
	assert.Equal(t, "1", vread.VersionId())

	entries, err := e.ResourceHistory(context.Background(), "Patient", "1", nil, 10)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEngineEverythingFansOutAcrossMappedCollections(t *testing.T) {
	gateway := newFakeGateway()
	gateway.put("Patients", "Patient/1", []byte(`{"resourceType":"Patient","id":"1"}`))
	gateway.searchKeys["Patients"] = []string{"Patient/1"}
	e := testEngine(gateway)

	page, err := e.Everything(context.Background(), "1", everything.Options{})
	assert.NoError(t, err)
	assert.Len(t, page.Resources, 1)
	assert.Equal(t, "1", page.Resources[0].Id())
	assert.False(t, page.HasNext)
}

func TestEngineEverythingOnMissingPatientIsNotFound(t *testing.T) {
	gateway := newFakeGateway()
	e := testEngine(gateway)

	_, err := e.Everything(context.Background(), "never-existed", everything.Options{})
	assert.Error(t, err)
}

func TestEngineEverythingOnTombstonedPatientIsGone(t *testing.T) {
	gateway := newFakeGateway()
	gateway.put(routing.TombstonesCollection, "Patient/1", []byte(`{"resourceType":"Patient","id":"1"}`))
	e := testEngine(gateway)

	_, err := e.Everything(context.Background(), "1", everything.Options{})
	assert.Error(t, err)
}

func TestEngineEverythingRegistersTokenWhenMoreKeysThanFetched(t *testing.T) {
	gateway := newFakeGateway()
	gateway.put("Patients", "Patient/1", []byte(`{"resourceType":"Patient","id":"1"}`))
	var keys []string
	for i := 0; i < 60; i++ {
		key := "Observation/" + strconv.Itoa(i)
		keys = append(keys, key)
		gateway.put("Observations", key, []byte(`{"resourceType":"Observation","id":"`+strconv.Itoa(i)+`"}`))
	}
	gateway.searchKeys["Observations"] = keys
	e := testEngine(gateway)

	page, err := e.Everything(context.Background(), "1", everything.Options{})
	assert.NoError(t, err)
	assert.True(t, page.HasNext)
	assert.NotEmpty(t, page.Token)
	assert.Less(t, len(page.Resources), page.Total)

	next, err := e.ContinuePage(context.Background(), page.Token, len(page.Resources), 0)
	assert.NoError(t, err)
	assert.NotEmpty(t, next.Matches)
}

func TestEngineApplyBundleBatchCreatesEntries(t *testing.T) {
	gateway := newFakeGateway()
	e := testEngine(gateway)

	bundleJSON := []byte(`{
		"resourceType": "Bundle",
		"type": "batch",
		"entry": [
			{"request": {"method": "POST", "url": "Patient"}, "resource": {"resourceType": "Patient"}}
		]
	}`)

	bundleType, responses, err := e.ApplyBundle(context.Background(), bundleJSON)
	assert.NoError(t, err)
	assert.Equal(t, "batch", bundleType)
	assert.Len(t, responses, 1)
}
