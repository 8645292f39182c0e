// Package storage defines the Storage Gateway of spec §4.3: the only
// subsystem that talks to the database. Every other package in this
// module reaches the database exclusively through a Gateway.
package storage

import (
	"context"
	"time"
)

// KVResult is one element of a kvGetMany response, preserving input
// order per spec §4.3 ("final list order equals the input order").
type KVResult struct {
	Key     string
	Value   []byte
	Present bool
}

// SearchOptions carries the FTS options of spec §6: limit, skip,
// disableScoring, includeLocations, timeout, plus sort.
type SearchOptions struct {
	Limit            int
	Skip             int
	Sort             []SortField
	DisableScoring   bool
	IncludeLocations bool
	Timeout          time.Duration
}

type SortField struct {
	Path       string
	Descending bool
}

// SearchResult is the FTS response shape of spec §4.3.
type SearchResult struct {
	RowIDs       []string
	TotalRows    int
	ServerTookMs int64
	Errors       []error
}

// Query is an opaque, gateway-specific compiled search query. Package
// search produces these; only a Gateway implementation knows how to
// execute one.
type Query interface{}

// Row is one result row of a parameterized query (spec §6 templates).
type Row map[string]interface{}

// Gateway is the interface every other package programs against. The
// reference implementation (storage/mongogateway) backs it with
// MongoDB, standing in for the Couchbase KV/FTS/transaction primitives
// spec §4.3 describes -- see DESIGN.md for why.
type Gateway interface {
	KVGet(ctx context.Context, bucket, scope, collection, key string) ([]byte, error)
	KVGetMany(ctx context.Context, bucket, scope, collection string, keys []string) ([]KVResult, error)

	KVUpsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error
	KVInsert(ctx context.Context, bucket, scope, collection, key string, value []byte) error
	KVRemove(ctx context.Context, bucket, scope, collection, key string) error

	RunQuery(ctx context.Context, bucket, statement string, params map[string]interface{}, readOnly bool) ([]Row, error)
	SearchQuery(ctx context.Context, index string, query Query, opts SearchOptions) (*SearchResult, error)

	RunTransaction(ctx context.Context, bucket string, body func(tx TxContext) error) error
}

// TxContext is the transactional counterpart of Gateway, backed by the
// database's transaction primitive (spec §4.3's "the body receives a
// TxContext with the same shapes but backed by the database's
// transaction primitive"). Supported ops inside a transaction: get,
// insert, replace, remove.
type TxContext interface {
	Get(ctx context.Context, scope, collection, key string) ([]byte, bool, error)
	Insert(ctx context.Context, scope, collection, key string, value []byte) error
	Replace(ctx context.Context, scope, collection, key string, value []byte) error
	// ReplaceWithCAS performs an optimistic compare-and-replace guarded
	// by expectedVersionID (the current meta.versionId the caller last
	// observed); it reports ErrCASMismatch if the document has moved on,
	// grounded on mongo_data_access.go's Put method replacing with a
	// filter that includes meta.versionId.
	ReplaceWithCAS(ctx context.Context, scope, collection, key string, expectedVersionID string, value []byte) error
	Remove(ctx context.Context, scope, collection, key string) error
}

// ErrCASMismatch is returned by TxContext.ReplaceWithCAS when the
// document's version moved since the caller last read it, surfaced by
// package write as apperror.ConflictTransient.
type ErrCASMismatch struct {
	Collection, Key string
}

func (e ErrCASMismatch) Error() string {
	return "conflict: " + e.Collection + "/" + e.Key + " was modified concurrently"
}

// TxCtxOrFresh captures spec §9's "TxContext abstraction with two
// variants: Ambient{tx} and Fresh{cluster,bucket}": a write component
// accepts this and either joins an in-flight bundle transaction or
// starts its own.
type TxCtxOrFresh struct {
	// Ambient is set when called from within a Bundle Processor
	// transaction; the write component must join it rather than start a
	// new one.
	Ambient TxContext
	// Gateway/Bucket are used to start a Fresh transaction when Ambient
	// is nil.
	Gateway Gateway
	Bucket  string
}

// Run executes body against the ambient transaction if present,
// otherwise opens a fresh one on Gateway.
func (t TxCtxOrFresh) Run(ctx context.Context, body func(tx TxContext) error) error {
	if t.Ambient != nil {
		return body(t.Ambient)
	}
	return t.Gateway.RunTransaction(ctx, t.Bucket, body)
}
