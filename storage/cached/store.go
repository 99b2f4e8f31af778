// Package cached puts an LRU cache of conflict records in front of another
// resolve.Store.
package cached

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

// DefaultSize is the number of records kept when New is given size <= 0.
const DefaultSize = 1024

// Store caches LoadConflict results by id. Writes go to the inner store first
// and only touch the cache once they succeed.
type Store struct {
	inner  resolve.Store
	cache  *lru.Cache[string, *resolve.ConflictRecord]
	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ resolve.Store = (*Store)(nil)

func New(inner resolve.Store, size int) (*Store, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached: inner store is nil")
	}
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, *resolve.ConflictRecord](size)
	if err != nil {
		return nil, fmt.Errorf("cached: %w", err)
	}
	return &Store{inner: inner, cache: cache}, nil
}

func (s *Store) LogConflict(ctx context.Context, rec *resolve.ConflictRecord) error {
	if err := s.inner.LogConflict(ctx, rec); err != nil {
		return err
	}
	s.cache.Add(rec.ID, rec.Clone())
	return nil
}

func (s *Store) LoadConflict(ctx context.Context, id string) (*resolve.ConflictRecord, error) {
	if rec, ok := s.cache.Get(id); ok {
		s.hits.Add(1)
		return rec.Clone(), nil
	}
	s.misses.Add(1)
	rec, err := s.inner.LoadConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, rec.Clone())
	return rec, nil
}

// SaveResolution drops the cached entry. The next load reads the stored
// record back.
func (s *Store) SaveResolution(ctx context.Context, id string, patch resolve.ResolutionPatch) error {
	err := s.inner.SaveResolution(ctx, id, patch)
	s.cache.Remove(id)
	return err
}

// ListConflicts is not cached.
func (s *Store) ListConflicts(ctx context.Context, sessionID string, limit int) ([]*resolve.ConflictRecord, error) {
	return s.inner.ListConflicts(ctx, sessionID, limit)
}

// Stats reports cache hits, misses and the current entry count.
func (s *Store) Stats() (hits, misses uint64, entries int) {
	return s.hits.Load(), s.misses.Load(), s.cache.Len()
}

// Purge empties the cache.
func (s *Store) Purge() {
	s.cache.Purge()
}

// Close closes the inner store when it has a Close method.
func (s *Store) Close() error {
	s.cache.Purge()
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
