package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*ConflictRecord
	logCalls  int
	failLogs  int
	logErr    error
	saveErr   error
	lastPatch ResolutionPatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*ConflictRecord)}
}

func (s *fakeStore) LogConflict(_ context.Context, rec *ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logCalls++
	if s.logErr != nil && s.logCalls <= s.failLogs {
		return s.logErr
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *fakeStore) LoadConflict(_ context.Context, id string) (*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", id, ErrConflictNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) SaveResolution(_ context.Context, id string, patch ResolutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	rec, ok := s.records[id]
	if !ok {
		return ErrConflictNotFound
	}
	patch.ApplyTo(rec)
	s.lastPatch = patch
	return nil
}

func (s *fakeStore) ListConflicts(_ context.Context, sessionID string, limit int) ([]*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ConflictRecord
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type sentEvent struct {
	session string
	event   string
	payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
	err    error
}

func (n *fakeNotifier) NotifySession(_ context.Context, sessionID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{sessionID, event, payload})
	return n.err
}

type panickingTransformer struct{}

func (panickingTransformer) Transform(a, b json.RawMessage) (json.RawMessage, json.RawMessage, error) {
	panic("transformer exploded")
}

func (panickingTransformer) Apply(op json.RawMessage, text string) (string, error) {
	return text, nil
}

type mapSelector map[string]Selection

func (m mapSelector) Select(field string) (Selection, bool) {
	sel, ok := m[field]
	return sel, ok
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(logging.Discard()),
		WithClock(func() time.Time { return fixedNow }),
		WithStoreRetry(3, time.Millisecond),
	}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return e
}
