package sqlite

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
	"github.com/c0deZ3R0/go-conflict-kit/value"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "conflicts.db"))
	cfg.Logger = logging.Discard()
	store, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, session string, at time.Time) *resolve.ConflictRecord {
	return &resolve.ConflictRecord{
		ID:           id,
		SessionID:    session,
		FieldName:    "tags",
		ConflictType: resolve.FieldList,
		Local:        resolve.Change{NewValue: value.List(value.String("a"), value.String("b")), UserID: "u1", Timestamp: "t1"},
		Remote:       resolve.Change{NewValue: value.List(value.String("a"), value.String("c")), UserID: "u2", Timestamp: "t2"},
		Base:         value.List(value.String("a")),
		Resolution: resolve.Resolution{
			ResolvedValue: value.List(value.String("a"), value.String("b"), value.String("c")),
			Method:        resolve.MethodListMerge,
			Confidence:    0.8,
			Type:          resolve.Automatic,
			Reason:        "applied_additions_and_removals",
		},
		ResolutionMethod: resolve.MethodListMerge,
		CreatedAt:        at,
	}
}

func TestNew_Config(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{DataSourceName: ":memory:", TableName: "bad name;", Logger: logging.Discard()})
	assert.True(t, stderrors.Is(err, ErrInvalidTableName))

	cfg := DefaultConfig("file.db?cache=shared")
	assert.Equal(t, "file.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000", cfg.DataSourceName)
	assert.Equal(t, "conflicts", cfg.TableName)
	assert.Equal(t, 25, cfg.MaxOpenConns)

	mem := &Config{DataSourceName: ":memory:"}
	mem.setDefaults()
	assert.Equal(t, 1, mem.MaxOpenConns)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := record("c1", "s1", now)
	require.NoError(t, store.LogConflict(ctx, rec))

	got, err := store.LoadConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, resolve.FieldList, got.ConflictType)
	assert.True(t, value.Equal(rec.Local.NewValue, got.Local.NewValue))
	assert.True(t, value.Equal(rec.Base, got.Base))
	assert.True(t, value.Equal(rec.Resolution.ResolvedValue, got.Resolution.ResolvedValue))
	assert.Equal(t, 0.8, got.Resolution.Confidence)
	assert.True(t, now.Equal(got.CreatedAt))
	assert.Nil(t, got.ResolvedAt)
}

func TestStore_DuplicateID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.LogConflict(ctx, record("dup", "s1", now)))
	err := store.LogConflict(ctx, record("dup", "s1", now))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict), "got %v", err)
}

func TestStore_SaveResolution(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.LogConflict(ctx, record("c1", "s1", now)))

	resolvedAt := now.Add(5 * time.Minute)
	patch := resolve.ResolutionPatch{
		Resolution: resolve.Resolution{
			ResolvedValue: value.List(value.String("a")),
			Method:        resolve.MethodUserChoice,
			Confidence:    1,
			Type:          resolve.UserResolved,
			ConflictID:    "c1",
		},
		ResolutionMethod: resolve.MethodUserChoice,
		UserChoice:       resolve.ChoiceCustom,
		ResolvedBy:       "bob",
		ResolvedAt:       resolvedAt,
	}
	require.NoError(t, store.SaveResolution(ctx, "c1", patch))

	got, err := store.LoadConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, resolve.MethodUserChoice, got.ResolutionMethod)
	assert.Equal(t, resolve.ChoiceCustom, got.UserChoice)
	assert.Equal(t, "bob", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, resolvedAt.Equal(*got.ResolvedAt))
	assert.Equal(t, resolve.UserResolved, got.Resolution.Type)

	err = store.SaveResolution(ctx, "missing", patch)
	assert.True(t, stderrors.Is(err, resolve.ErrConflictNotFound))
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadConflict(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindNotFound))
	assert.True(t, stderrors.Is(err, resolve.ErrConflictNotFound))
}

func TestStore_ListConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.LogConflict(ctx, record("a", "s1", base)))
	require.NoError(t, store.LogConflict(ctx, record("c", "s1", base.Add(2*time.Second))))
	require.NoError(t, store.LogConflict(ctx, record("b", "s1", base.Add(time.Second))))
	require.NoError(t, store.LogConflict(ctx, record("x", "s2", base)))

	recs, err := store.ListConflicts(ctx, "s1", 0)
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	recs, err = store.ListConflicts(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = store.ListConflicts(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStore_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.LogConflict(ctx, record(string(rune('a'+i)), "s1", now))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	recs, err := store.ListConflicts(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}

func TestStore_Closed(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err := store.LogConflict(context.Background(), record("c1", "s1", time.Now()))
	assert.True(t, stderrors.Is(err, ErrStoreClosed))
	assert.Equal(t, 0, store.Stats().OpenConnections)
}

func TestStore_WithEngine(t *testing.T) {
	store := newTestStore(t)
	engine, err := resolve.New(resolve.WithStore(store), resolve.WithLogger(logging.Discard()))
	require.NoError(t, err)

	ctx := context.Background()
	res := engine.Resolve(ctx, resolve.Request{
		SessionID: "s1",
		FieldName: "enabled",
		Local:     resolve.Change{NewValue: value.Bool(true), Timestamp: "t1"},
		Remote:    resolve.Change{NewValue: value.Bool(false), Timestamp: "t2"},
	})
	require.Equal(t, resolve.ManualRequired, res.Type)
	require.NotEmpty(t, res.ConflictID)

	picked, err := engine.ApplyUserChoice(ctx, resolve.ChoiceRequest{
		ConflictID: res.ConflictID,
		Choice:     resolve.ChoiceRemote,
		UserID:     "carol",
	})
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Bool(false), picked.ResolvedValue))

	rec, err := store.LoadConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, "carol", rec.ResolvedBy)
	assert.Equal(t, resolve.ChoiceRemote, rec.UserChoice)
}
