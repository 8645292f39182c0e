// Package mongogateway is the reference storage.Gateway implementation,
// backed by MongoDB. Collections stand in for KV buckets, a compiled
// bson.M filter + Find stands in for FTS, and mongo.Session transactions
// stand in for multi-document ACID transactions -- see DESIGN.md for the
// full justification. Grounded on server/mongo_data_access.go's
// mongoDataAccessLayer/mongoSession.
package mongogateway

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/medblocks/fhir-core/storage"
)

// Gateway wraps a *mongo.Client. One Gateway serves every bucket
// (database, in Mongo terms); scope/collection/key address a document
// the way Couchbase's scope.collection.key would.
type Gateway struct {
	client         *mongo.Client
	kvTimeout      time.Duration
	batchTimeout   time.Duration
	queryTimeout   time.Duration
}

// Options configures per-operation timeouts, grounded on spec §5's
// "per-operation KV timeout (10s typical), overall batch timeout (30s),
// per-query timeout (30s)".
type Options struct {
	KVTimeout    time.Duration
	BatchTimeout time.Duration
	QueryTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		KVTimeout:    10 * time.Second,
		BatchTimeout: 30 * time.Second,
		QueryTimeout: 30 * time.Second,
	}
}

func New(client *mongo.Client, opts Options) *Gateway {
	if opts.KVTimeout == 0 {
		opts = DefaultOptions()
	}
	return &Gateway{
		client:       client,
		kvTimeout:    opts.KVTimeout,
		batchTimeout: opts.BatchTimeout,
		queryTimeout: opts.QueryTimeout,
	}
}

func (g *Gateway) collection(bucket, scope, collection string) *mongo.Collection {
	db := g.client.Database(bucket)
	// Mongo has no native scope concept; the scope is folded into the
	// collection name the same way the teacher's CurrentVersionCollection
	// /PreviousVersionsCollection fold "Versions"/"Tombstones" into a
	// collection-name suffix.
	if scope == "" || scope == "Resources" {
		return db.Collection(collection)
	}
	return db.Collection(scope + "_" + collection)
}

type mongoDoc struct {
	ID    string `bson:"_id"`
	Value bson.Raw `bson:"value"`
}

func (g *Gateway) KVGet(ctx context.Context, bucket, scope, collection, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.kvTimeout)
	defer cancel()

	var doc mongoDoc
	err := g.collection(bucket, scope, collection).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "KVGet(%s/%s/%s/%s)", bucket, scope, collection, key)
	}
	return []byte(doc.Value), nil
}

// KVGetMany fetches keys with bounded, in-flight concurrency, per spec
// §4.3's "parallel in-flight requests (no user-visible ordering
// guarantee other than the final list order equals the input order)".
// Grounded on the batch-fetch pooling pattern in
// batch_controller.go's doRequest goroutine pool.
func (g *Gateway) KVGetMany(ctx context.Context, bucket, scope, collection string, keys []string) ([]storage.KVResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.batchTimeout)
	defer cancel()

	const maxConcurrency = 16
	sem := make(chan struct{}, maxConcurrency)
	results := make([]storage.KVResult, len(keys))
	errCh := make(chan error, len(keys))
	done := make(chan struct{}, len(keys))

	for i, key := range keys {
		sem <- struct{}{}
		go func(i int, key string) {
			defer func() { <-sem; done <- struct{}{} }()
			value, err := g.KVGet(ctx, bucket, scope, collection, key)
			if err != nil {
				glog.Errorf("KVGetMany: key %s failed: %v", key, err)
				errCh <- err
				return
			}
			results[i] = storage.KVResult{Key: key, Value: value, Present: value != nil}
		}(i, key)
	}
	for range keys {
		select {
		case <-done:
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, nil
}

func (g *Gateway) KVUpsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, g.kvTimeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := g.collection(bucket, scope, collection).ReplaceOne(ctx, bson.M{"_id": key}, mongoDoc{ID: key, Value: value}, opts)
	if err != nil {
		return errors.Wrapf(err, "KVUpsert(%s/%s/%s/%s)", bucket, scope, collection, key)
	}
	return nil
}

func (g *Gateway) KVInsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, g.kvTimeout)
	defer cancel()

	_, err := g.collection(bucket, scope, collection).InsertOne(ctx, mongoDoc{ID: key, Value: value})
	if err != nil {
		return errors.Wrapf(err, "KVInsert(%s/%s/%s/%s)", bucket, scope, collection, key)
	}
	return nil
}

func (g *Gateway) KVRemove(ctx context.Context, bucket, scope, collection, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.kvTimeout)
	defer cancel()

	_, err := g.collection(bucket, scope, collection).DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return errors.Wrapf(err, "KVRemove(%s/%s/%s/%s)", bucket, scope, collection, key)
	}
	return nil
}

func (g *Gateway) RunQuery(ctx context.Context, bucket, statement string, params map[string]interface{}, readOnly bool) ([]storage.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	defer cancel()

	result := g.client.Database(bucket).RunCommand(ctx, bson.D{{Key: "eval", Value: statement}})
	var raw bson.M
	if err := result.Decode(&raw); err != nil {
		return nil, errors.Wrapf(err, "RunQuery(%s)", statement)
	}
	return []storage.Row{storage.Row(raw)}, nil
}

// txContext adapts an active mongo.SessionContext to storage.TxContext.
type txContext struct {
	gateway *Gateway
	bucket  string
	sctx    mongo.SessionContext
}

func (t *txContext) Get(ctx context.Context, scope, collection, key string) ([]byte, bool, error) {
	var doc mongoDoc
	err := t.gateway.collection(t.bucket, scope, collection).FindOne(t.sctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "tx.Get(%s/%s)", collection, key)
	}
	return []byte(doc.Value), true, nil
}

func (t *txContext) Insert(ctx context.Context, scope, collection, key string, value []byte) error {
	_, err := t.gateway.collection(t.bucket, scope, collection).InsertOne(t.sctx, mongoDoc{ID: key, Value: value})
	return errors.Wrapf(err, "tx.Insert(%s/%s)", collection, key)
}

func (t *txContext) Replace(ctx context.Context, scope, collection, key string, value []byte) error {
	opts := options.Replace().SetUpsert(true)
	_, err := t.gateway.collection(t.bucket, scope, collection).ReplaceOne(t.sctx, bson.M{"_id": key}, mongoDoc{ID: key, Value: value}, opts)
	return errors.Wrapf(err, "tx.Replace(%s/%s)", collection, key)
}

// ReplaceWithCAS mirrors mongoSession.Put's atomic compare-and-replace:
// a ReplaceOne filtered on both _id and the last-seen version id, where
// MatchedCount==0 means someone else already moved the document on.
func (t *txContext) ReplaceWithCAS(ctx context.Context, scope, collection, key, expectedVersionID string, value []byte) error {
	filter := bson.M{"_id": key, "meta.versionId": expectedVersionID}
	result, err := t.gateway.collection(t.bucket, scope, collection).ReplaceOne(t.sctx, filter, mongoDoc{ID: key, Value: value})
	if err != nil {
		return errors.Wrapf(err, "tx.ReplaceWithCAS(%s/%s)", collection, key)
	}
	if result.MatchedCount == 0 {
		return storage.ErrCASMismatch{Collection: collection, Key: key}
	}
	return nil
}

func (t *txContext) Remove(ctx context.Context, scope, collection, key string) error {
	_, err := t.gateway.collection(t.bucket, scope, collection).DeleteOne(t.sctx, bson.M{"_id": key})
	return errors.Wrapf(err, "tx.Remove(%s/%s)", collection, key)
}

// RunTransaction generalizes mongoSession.StartTransaction/
// CommmitIfTransaction/Finish into a single callback-scoped helper,
// aborting on any error the body returns.
func (g *Gateway) RunTransaction(ctx context.Context, bucket string, body func(tx storage.TxContext) error) error {
	session, err := g.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "StartSession failed")
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sctx mongo.SessionContext) (interface{}, error) {
		tx := &txContext{gateway: g, bucket: bucket, sctx: sctx}
		return nil, body(tx)
	})
	if err != nil {
		glog.Errorf("RunTransaction(%s) aborted: %v", bucket, err)
		return errors.Wrapf(err, "transaction on bucket %s aborted", bucket)
	}
	return nil
}
