// Package memory provides an in-process conflict store.
package memory

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
	"github.com/c0deZ3R0/go-conflict-kit/storage"
)

const component = "storage/memory"

var ErrStoreClosed = stderrors.New("store is closed")

// Store keeps records in a map. Records are copied in and out.
type Store struct {
	mu      sync.RWMutex
	records map[string]*resolve.ConflictRecord
	order   []string
	closed  bool
}

var _ resolve.Store = (*Store)(nil)

func New() *Store {
	return &Store{records: make(map[string]*resolve.ConflictRecord)}
}

func (s *Store) LogConflict(ctx context.Context, rec *resolve.ConflictRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapOpComponent(ErrStoreClosed, string(errors.OpLogConflict), component)
	}
	if _, ok := s.records[rec.ID]; ok {
		return errors.E(errors.OpLogConflict, errors.Component(component), errors.KindConflict,
			fmt.Errorf("conflict %s already exists", rec.ID))
	}
	s.records[rec.ID] = rec.Clone()
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *Store) LoadConflict(ctx context.Context, id string) (*resolve.ConflictRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.WrapOpComponent(ErrStoreClosed, string(errors.OpLoadConflict), component)
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, storage.NotFound(errors.OpLoadConflict, component, id)
	}
	return rec.Clone(), nil
}

func (s *Store) SaveResolution(ctx context.Context, id string, patch resolve.ResolutionPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapOpComponent(ErrStoreClosed, string(errors.OpSaveResolution), component)
	}
	rec, ok := s.records[id]
	if !ok {
		return storage.NotFound(errors.OpSaveResolution, component, id)
	}
	patch.Resolution.Metadata = maps.Clone(patch.Resolution.Metadata)
	patch.ApplyTo(rec)
	return nil
}

// ListConflicts returns newest first. Records created at the same instant
// keep reverse insertion order.
func (s *Store) ListConflicts(ctx context.Context, sessionID string, limit int) ([]*resolve.ConflictRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.WrapOpComponent(ErrStoreClosed, string(errors.OpListConflicts), component)
	}

	var out []*resolve.ConflictRecord
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if rec.SessionID == sessionID {
			out = append(out, rec.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
