package write

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/storage"
)

// fakeTxGateway is an in-memory storage.Gateway whose RunTransaction runs
// body against a fakeTx sharing the gateway's document store directly --
// sufficient to exercise Pipeline's archive/mutate/tombstone sequencing
// without a real database transaction.
type fakeTxGateway struct {
	docs map[string]map[string][]byte // collection -> key -> value
}

func newFakeTxGateway() *fakeTxGateway {
	return &fakeTxGateway{docs: make(map[string]map[string][]byte)}
}

func (g *fakeTxGateway) get(collection, key string) ([]byte, bool) {
	v, ok := g.docs[collection][key]
	return v, ok
}

func (g *fakeTxGateway) put(collection, key string, value []byte) {
	if g.docs[collection] == nil {
		g.docs[collection] = make(map[string][]byte)
	}
	g.docs[collection][key] = value
}

func (g *fakeTxGateway) KVGet(ctx context.Context, bucket, scope, collection, key string) ([]byte, error) {
	v, _ := g.get(collection, key)
	return v, nil
}
func (g *fakeTxGateway) KVGetMany(ctx context.Context, bucket, scope, collection string, keys []string) ([]storage.KVResult, error) {
	panic("not used by write tests")
}
func (g *fakeTxGateway) KVUpsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error {
	g.put(collection, key, value)
	return nil
}
func (g *fakeTxGateway) KVInsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error {
	g.put(collection, key, value)
	return nil
}
func (g *fakeTxGateway) KVRemove(ctx context.Context, bucket, scope, collection, key string) error {
	delete(g.docs[collection], key)
	return nil
}
func (g *fakeTxGateway) RunQuery(ctx context.Context, bucket, statement string, params map[string]interface{}, readOnly bool) ([]storage.Row, error) {
	panic("not used by write tests")
}
func (g *fakeTxGateway) SearchQuery(ctx context.Context, index string, query storage.Query, opts storage.SearchOptions) (*storage.SearchResult, error) {
	panic("not used by write tests")
}

func (g *fakeTxGateway) RunTransaction(ctx context.Context, bucket string, body func(tx storage.TxContext) error) error {
	return body(&fakeTx{g: g})
}

// fakeTx applies every op directly against the shared gateway store,
// with ReplaceWithCAS checking the stored meta.versionId the same way
// mongogateway's filter-based CAS update does.
type fakeTx struct {
	g *fakeTxGateway
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

func testPipeline(gateway *fakeTxGateway) *Pipeline {
	table := routing.NewTable(routing.StaticMapping{{ResourceType: "Patient", Collection: "Patients", FTSIndex: "PatientIdx"}})
	return &Pipeline{Routing: table, Bucket: "fhir"}
}

func tx(gateway *fakeTxGateway) storage.TxCtxOrFresh {
	return storage.TxCtxOrFresh{Gateway: gateway, Bucket: "fhir"}
}

func TestPostAssignsIDAndVersion1(t *testing.T) {
	gateway := newFakeTxGateway()
	p := testPipeline(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	created, err := p.Post(context.Background(), tx(gateway), res, "")
	assert.NoError(t, err)
	assert.NotEmpty(t, created.Id())
	assert.Equal(t, "1", created.VersionId())
}

func TestPutCreatesNewWhenAbsent(t *testing.T) {
	gateway := newFakeTxGateway()
	p := testPipeline(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	result, createdNew, err := p.Put(context.Background(), tx(gateway), "Patient", "42", "", res)
	assert.NoError(t, err)
	assert.True(t, createdNew)
	assert.Equal(t, "1", result.VersionId())
}

func TestPutUpdatesExistingAndArchivesPriorVersion(t *testing.T) {
	gateway := newFakeTxGateway()
	p := testPipeline(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))

	_, _, err := p.Put(context.Background(), tx(gateway), "Patient", "42", "", res)
	assert.NoError(t, err)

	res2, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient","name":[{"family":"Smith"}]}`))
	result, createdNew, err := p.Put(context.Background(), tx(gateway), "Patient", "42", "", res2)
	assert.NoError(t, err)
	assert.False(t, createdNew)
	assert.Equal(t, "2", result.VersionId())

	archived, ok := gateway.get(routing.VersionsCollection, "Patient/42/1")
	assert.True(t, ok)
	assert.Contains(t, string(archived), `"Patient"`)
}

func TestPutConditionalVersionMismatchIsPreconditionFailed(t *testing.T) {
	gateway := newFakeTxGateway()
	p := testPipeline(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))
	_, _, err := p.Put(context.Background(), tx(gateway), "Patient", "42", "", res)
	assert.NoError(t, err)

	_, _, err = p.Put(context.Background(), tx(gateway), "Patient", "42", "99", res)
	assert.Error(t, err)
}

func TestDeleteArchivesAndTombstonesAndRemoves(t *testing.T) {
	gateway := newFakeTxGateway()
	p := testPipeline(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))
	_, _, err := p.Put(context.Background(), tx(gateway), "Patient", "42", "", res)
	assert.NoError(t, err)

	err = p.Delete(context.Background(), tx(gateway), "Patient", "42", true)
	assert.NoError(t, err)

	_, stillLive := gateway.get("Patients", "Patient/42")
	assert.False(t, stillLive)

	_, archived := gateway.get(routing.VersionsCollection, "Patient/42/1")
	assert.True(t, archived)

	tombstone, tombstoned := gateway.get(routing.TombstonesCollection, "Patient/42")
	assert.True(t, tombstoned)
	assert.Contains(t, string(tombstone), `"restorable":true`)
}

func TestDeleteOfNeverExistingWritesNoTombstone(t *testing.T) {
	gateway := newFakeTxGateway()
	p := testPipeline(gateway)
	err := p.Delete(context.Background(), tx(gateway), "Patient", "never-existed", true)
	assert.NoError(t, err)

	_, ok := gateway.get(routing.TombstonesCollection, "Patient/never-existed")
	assert.False(t, ok, "DELETE on an id that never existed must not create a tombstone")
}

func TestDeleteOfAlreadyTombstonedIDLeavesTombstoneUnchanged(t *testing.T) {
	gateway := newFakeTxGateway()
	p := testPipeline(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Patient"}`))
	_, _, err := p.Put(context.Background(), tx(gateway), "Patient", "42", "", res)
	assert.NoError(t, err)

	err = p.Delete(context.Background(), tx(gateway), "Patient", "42", true)
	assert.NoError(t, err)
	firstTombstone, ok := gateway.get(routing.TombstonesCollection, "Patient/42")
	assert.True(t, ok)

	err = p.Delete(context.Background(), tx(gateway), "Patient", "42", true)
	assert.NoError(t, err)
	secondTombstone, ok := gateway.get(routing.TombstonesCollection, "Patient/42")
	assert.True(t, ok)
	assert.Equal(t, string(firstTombstone), string(secondTombstone), "repeat DELETE of an already-tombstoned id must not rewrite the tombstone")
}

func TestPostUnsupportedResourceTypeIsValidationError(t *testing.T) {
	gateway := newFakeTxGateway()
	p := testPipeline(gateway)
	res, _ := resource.NewFromJSON([]byte(`{"resourceType":"Unobtainium"}`))
	_, err := p.Post(context.Background(), tx(gateway), res, "")
	assert.Error(t, err)
}
