// Package paging implements spec §4.12: an opaque-token store over a
// result's full key list, so a page can be served without maintaining
// cursor state beyond the key list itself. Grounded on the teacher's
// generatePagingLinks (fhir-server/middleware), generalized from
// offset-only URL params into a stored, TTL-bound key-list record.
package paging

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medblocks/fhir-core/apperror"
)

// State is the immutable-post-creation record of spec §4.12: bucket,
// the full ordered key list, and the page size the search was run with.
type State struct {
	Token     string
	Bucket    string
	Keys      []string
	PageSize  int
	CreatedAt time.Time
}

// Store is a concurrency-safe pagination-state store, spec §5's "the
// store itself is concurrency-safe; individual entries are immutable
// post-creation".
type Store struct {
	mu      sync.RWMutex
	entries map[string]State
	ttl     time.Duration
}

// NewStore builds a Store with the given TTL; zero TTL defaults to one
// hour.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{entries: make(map[string]State), ttl: ttl}
}

// Put registers a new result set and returns its opaque token.
func (s *Store) Put(bucket string, keys []string, pageSize int) string {
	token := uuid.New().String()
	s.mu.Lock()
	s.entries[token] = State{
		Token:     token,
		Bucket:    bucket,
		Keys:      keys,
		PageSize:  pageSize,
		CreatedAt: now(),
	}
	s.mu.Unlock()
	return token
}

// now is overridable in tests; production uses wall-clock time.
var now = time.Now

// Get resolves a token to its State. An unknown or expired token yields
// apperror.Gone, per spec §7's "Gone ... pagination token expired".
func (s *Store) Get(token string) (State, error) {
	s.mu.RLock()
	st, ok := s.entries[token]
	s.mu.RUnlock()
	if !ok {
		return State{}, apperror.Gonef("unknown continuation token %q", token)
	}
	if now().Sub(st.CreatedAt) > s.ttl {
		s.mu.Lock()
		delete(s.entries, token)
		s.mu.Unlock()
		return State{}, apperror.Gonef("continuation token %q has expired", token)
	}
	return st, nil
}

// Page slices State.Keys for the given offset/count, per spec §8's
// boundary behavior "page offset >= key-list length returns zero
// entries, no error".
func Page(keys []string, offset, count int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(keys) {
		return nil
	}
	end := offset + count
	if end > len(keys) {
		end = len(keys)
	}
	return keys[offset:end]
}

// HasNext reports whether a further page exists after offset+count.
func HasNext(total, offset, count int) bool {
	return offset+count < total
}
