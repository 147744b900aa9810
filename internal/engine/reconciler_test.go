package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

func newTestReconciler(t *testing.T, store storage.SchemaStore, maxRetries int) *Reconciler {
	t.Helper()
	return NewReconciler(store, schema.Default(), maxRetries, WithClock(tickingClock()))
}

func TestApply_ReplaceLocation(t *testing.T) {
	r := newTestReconciler(t, newSQLiteStore(t), 3)
	ctx := context.Background()

	res, err := r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "location", Value: "Seattle"}}, Batch{Key: "b1", ThreadID: "t1"})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, int64(1), res.Memory.Revision)

	res, err = r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "location", Value: "Portland"}}, Batch{Key: "b2", ThreadID: "t2"})
	require.NoError(t, err)
	assert.True(t, res.Committed)

	mem, err := r.Current(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Portland", mem.Fields["location"])
	assert.Equal(t, int64(2), mem.Revision)
	assert.Equal(t, "user_profile@1", mem.SchemaVersion)
}

func TestApply_AppendDeduplicates(t *testing.T) {
	r := newTestReconciler(t, newSQLiteStore(t), 3)
	ctx := context.Background()

	_, err := r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "interests", Value: []string{"hiking"}}}, Batch{Key: "b1"})
	require.NoError(t, err)

	res, err := r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "interests", Value: "hiking", Hint: types.HintAppend}}, Batch{Key: "b2"})
	require.NoError(t, err)
	assert.False(t, res.Committed, "restating a listed interest changes nothing")
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, int64(1), res.Memory.Revision)

	res, err = r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "interests", Value: []any{"hiking", "climbing"}}}, Batch{Key: "b3"})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, []any{"hiking", "climbing"}, res.Memory.Fields["interests"])
	assert.Equal(t, int64(2), res.Memory.Revision)
}

func TestApply_ConflictsAreSkippedNotDropped(t *testing.T) {
	r := newTestReconciler(t, newSQLiteStore(t), 3)
	ctx := context.Background()

	_, err := r.Apply(ctx, "u1", []types.SchemaPatch{
		{Field: "favorite_number", Value: 7},
	}, Batch{Key: "b1"})
	require.NoError(t, err)

	patches := []types.SchemaPatch{
		{Field: "favorite_number", Value: "seven"},                    // unknown field, no hint, type changed
		{Field: "name", Value: "Ada", Hint: types.HintAppend},         // append to a string field
		{Field: "location", Value: 42.0},                              // kind mismatch
		{Field: "occupation", Value: nil},                             // nil value
		{Field: "name", Value: "Ada", Hint: types.MergeHint("merge")}, // unknown hint
		{Field: "", Value: "x"},                                       // no field
		{Field: "name", Value: "Ada"},
	}
	res, err := r.Apply(ctx, "u1", patches, Batch{Key: "b2"})
	require.NoError(t, err)

	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.Applied)
	require.Len(t, res.Conflicts, 6)
	for i, c := range res.Conflicts {
		assert.Equal(t, patches[i], c.Patch)
		assert.NotEmpty(t, c.Reason)
	}
	assert.Equal(t, "Ada", res.Memory.Fields["name"])
	assert.Equal(t, 7.0, res.Memory.Fields["favorite_number"])
}

func TestApply_UnknownFieldWithExplicitHint(t *testing.T) {
	r := newTestReconciler(t, newSQLiteStore(t), 3)
	ctx := context.Background()

	_, err := r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "pet", Value: "cat"}}, Batch{Key: "b1"})
	require.NoError(t, err)
	res, err := r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "pet", Value: []any{"cat", "dog"}, Hint: types.HintReplace}}, Batch{Key: "b2"})
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
	assert.Equal(t, []any{"cat", "dog"}, res.Memory.Fields["pet"])
}

func TestApply_NothingToWrite(t *testing.T) {
	store := &schemaFault{SchemaStore: newSQLiteStore(t)}
	r := newTestReconciler(t, store, 3)
	ctx := context.Background()

	res, err := r.Apply(ctx, "u1", nil, Batch{Key: "b1"})
	require.NoError(t, err)
	assert.False(t, res.Committed)

	res, err = r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "location", Value: 1.0}}, Batch{Key: "b2"})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Len(t, res.Conflicts, 1)
	assert.Equal(t, int64(0), res.Memory.Revision)
	assert.Zero(t, store.casCalls.Load())
}

func TestApply_BatchKeyRedelivery(t *testing.T) {
	r := newTestReconciler(t, newSQLiteStore(t), 3)
	ctx := context.Background()
	patches := []types.SchemaPatch{{Field: "core_memories", Value: "adopted a dog"}}

	_, err := r.Apply(ctx, "u1", patches, Batch{Key: "same"})
	require.NoError(t, err)
	res, err := r.Apply(ctx, "u1", []types.SchemaPatch{{Field: "core_memories", Value: "another"}}, Batch{Key: "same"})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, int64(1), res.Memory.Revision)
	assert.Equal(t, []any{"adopted a dog"}, res.Memory.Fields["core_memories"])
}

func TestApply_StoreFailureAppliesNothing(t *testing.T) {
	inner := newSQLiteStore(t)
	store := &schemaFault{SchemaStore: inner, casErr: storage.Unavailable("write schema", errConnRefused)}
	r := newTestReconciler(t, store, 3)
	ctx := context.Background()

	_, err := r.Apply(ctx, "u1", []types.SchemaPatch{
		{Field: "name", Value: "Ada"},
		{Field: "location", Value: "Seattle"},
		{Field: "occupation", Value: "engineer"},
	}, Batch{Key: "b1"})
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Equal(t, int32(1), store.casCalls.Load(), "store failures are not retried")

	mem, err := newTestReconciler(t, inner, 3).Current(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), mem.Revision)
	assert.Empty(t, mem.Fields)
}

func TestApply_RetriesExhausted(t *testing.T) {
	store := &schemaFault{SchemaStore: newSQLiteStore(t), casErr: storage.ErrRevisionMismatch}
	r := newTestReconciler(t, store, 2)

	_, err := r.Apply(context.Background(), "u1", []types.SchemaPatch{{Field: "name", Value: "Ada"}}, Batch{Key: "b1"})
	assert.ErrorIs(t, err, ErrConcurrentUpdateConflict)
	assert.Equal(t, int32(3), store.casCalls.Load())
}

func TestApply_ConcurrentRevisionsAreMonotonic(t *testing.T) {
	store := newSQLiteStore(t)
	r := newTestReconciler(t, store, 3)
	ctx := context.Background()

	const writers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		prior     = map[int64]bool{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Apply(ctx, "u1", []types.SchemaPatch{
				{Field: "core_memories", Value: fmt.Sprintf("memory %d", i)},
			}, Batch{Key: fmt.Sprintf("b%d", i)})
			if err != nil {
				assert.ErrorIs(t, err, ErrConcurrentUpdateConflict)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			successes++
			assert.False(t, prior[res.Memory.Revision-1], "two applies observed the same prior revision")
			prior[res.Memory.Revision-1] = true
		}(i)
	}
	wg.Wait()

	mem, err := r.Current(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(successes), mem.Revision)
	assert.Len(t, mem.Fields["core_memories"], successes)

	history, err := r.History(ctx, "u1", storage.ListOptions{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, successes, history.Total)
}
