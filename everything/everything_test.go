package everything

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/storage"
	"github.com/medblocks/fhir-core/storage/mongogateway"
)

// fakeGateway answers SearchQuery with the keys registered for the
// requested collection, ignoring the rest of the filter, and serves
// KVGetMany from a flat key->value store.
type fakeGateway struct {
	keysByCollection map[string][]string
	values           map[string][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{keysByCollection: map[string][]string{}, values: map[string][]byte{}}
}

func (g *fakeGateway) put(collection, key string, value []byte) {
	g.keysByCollection[collection] = append(g.keysByCollection[collection], key)
	g.values[key] = value
}

func (g *fakeGateway) KVGet(ctx context.Context, bucket, scope, collection, key string) ([]byte, error) {
	return g.values[key], nil
}

func (g *fakeGateway) KVGetMany(ctx context.Context, bucket, scope, collection string, keys []string) ([]storage.KVResult, error) {
	out := make([]storage.KVResult, 0, len(keys))
	for _, k := range keys {
		v, ok := g.values[k]
		out = append(out, storage.KVResult{Key: k, Value: v, Present: ok})
	}
	return out, nil
}

func (g *fakeGateway) KVUpsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error {
	panic("not used by everything tests")
}
func (g *fakeGateway) KVInsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error {
	panic("not used by everything tests")
}
func (g *fakeGateway) KVRemove(ctx context.Context, bucket, scope, collection, key string) error {
	panic("not used by everything tests")
}
func (g *fakeGateway) RunQuery(ctx context.Context, bucket, statement string, params map[string]interface{}, readOnly bool) ([]storage.Row, error) {
	panic("not used by everything tests")
}

func (g *fakeGateway) SearchQuery(ctx context.Context, index string, query storage.Query, opts storage.SearchOptions) (*storage.SearchResult, error) {
	mq := query.(mongogateway.MongoQuery)
	return &storage.SearchResult{RowIDs: g.keysByCollection[mq.Collection], TotalRows: len(g.keysByCollection[mq.Collection])}, nil
}

func (g *fakeGateway) RunTransaction(ctx context.Context, bucket string, body func(tx storage.TxContext) error) error {
	panic("not used by everything tests")
}

func testTable() *routing.Table {
	return routing.NewTable(routing.StaticMapping{
		{ResourceType: "Patient", Collection: "Patients", FTSIndex: "PatientIdx"},
		{ResourceType: "Observation", Collection: "Observations", FTSIndex: "ObservationIdx"},
		{ResourceType: "Condition", Collection: "General", FTSIndex: "GeneralIdx"},
	})
}

func TestRunFansOutAcrossCollections(t *testing.T) {
	gateway := newFakeGateway()
	gateway.put("Observations", "Observation/1", []byte(`{"resourceType":"Observation","id":"1"}`))
	gateway.put("General", "Condition/1", []byte(`{"resourceType":"Condition","id":"1"}`))

	e := &Engine{Gateway: gateway, Routing: testTable()}
	result, err := e.Run(context.Background(), "fhir", "p1", Options{})
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"Observation/1", "Condition/1"}, result.Keys)
	assert.Len(t, result.Resources, 2)
}

func TestRunRestrictsToRequestedTypes(t *testing.T) {
	gateway := newFakeGateway()
	gateway.put("Observations", "Observation/1", []byte(`{"resourceType":"Observation","id":"1"}`))
	gateway.put("General", "Condition/1", []byte(`{"resourceType":"Condition","id":"1"}`))

	e := &Engine{Gateway: gateway, Routing: testTable()}
	result, err := e.Run(context.Background(), "fhir", "p1", Options{Types: []string{"Observation"}})
	assert.NoError(t, err)
	assert.Equal(t, []string{"Observation/1"}, result.Keys)
}

func TestRunCapsPageAtCount(t *testing.T) {
	gateway := newFakeGateway()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		gateway.put("Observations", "Observation/"+id, []byte(`{"resourceType":"Observation","id":"`+id+`"}`))
	}
	e := &Engine{Gateway: gateway, Routing: testTable()}
	result, err := e.Run(context.Background(), "fhir", "p1", Options{Count: 2})
	assert.NoError(t, err)
	assert.Len(t, result.Keys, 5, "total key list is uncapped")
	assert.Len(t, result.Resources, 2, "fetched page is capped to Count")
}

func TestOptionsCountDefaultsAndClampsTo200(t *testing.T) {
	assert.Equal(t, 50, Options{}.count())
	assert.Equal(t, 200, Options{Count: 500}.count())
	assert.Equal(t, 10, Options{Count: 10}.count())
}

func TestEverythingFilterIncludesPatientAndSubjectReference(t *testing.T) {
	filter := everythingFilter("Patient/p1", Options{})
	or := filter["$or"].([]bson.M)
	assert.Len(t, or, 2)
}

func TestResourceTypeFromKey(t *testing.T) {
	assert.Equal(t, "Patient", resourceTypeFromKey("Patient/123"))
	assert.Equal(t, "NoSlash", resourceTypeFromKey("NoSlash"))
}
