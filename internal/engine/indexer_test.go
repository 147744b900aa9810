package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

func newTestIndexer(store storage.VectorStore) *Indexer {
	cfg := DefaultConfig()
	return NewIndexer(store, llm.NewHashEmbedder(256), IndexerConfig{
		Threshold:      cfg.NearDuplicateThreshold,
		SalienceBoost:  cfg.SalienceBoost,
		Candidates:     cfg.DedupCandidates,
		GatewayRetries: cfg.GatewayRetries,
	}, WithClock(tickingClock()))
}

// storeEvent writes an event record directly, as a racing writer would.
func storeEvent(t *testing.T, store storage.VectorStore, mem *types.EventMemory) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), EventNamespace(mem.UserID), mem.Key, mem.Embedding, encodeEvent(mem)))
}

func getEvent(t *testing.T, store storage.VectorStore, userID, key string) *types.EventMemory {
	t.Helper()
	rec, err := store.Get(context.Background(), EventNamespace(userID), key)
	require.NoError(t, err)
	mem, err := decodeEvent(*rec)
	require.NoError(t, err)
	return mem
}

func TestIndex_RestatedFactReinforces(t *testing.T) {
	store := newSQLiteStore(t)
	ix := newTestIndexer(store)
	ctx := context.Background()
	candidate := types.EventCandidate{Text: "User likes hiking", Tags: []string{"hiking"}}

	first, err := ix.Index(ctx, "u1", "t1", []types.EventCandidate{candidate})
	require.NoError(t, err)
	require.Len(t, first.Events, 1)
	assert.Equal(t, types.OutcomeCreated, first.Events[0].Outcome)
	assert.Equal(t, 0, first.Events[0].Memory.ReinforcementCount)
	assert.InDelta(t, 0.5, first.Events[0].Memory.Salience, 1e-9)

	candidate.Tags = []string{"outdoors"}
	second, err := ix.Index(ctx, "u1", "t2", []types.EventCandidate{candidate})
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	got := second.Events[0]
	assert.Equal(t, types.OutcomeReinforced, got.Outcome)
	assert.Equal(t, first.Events[0].Memory.Key, got.Memory.Key)
	assert.InDelta(t, 1.0, got.Similarity, 1e-6)

	stored := getEvent(t, store, "u1", got.Memory.Key)
	assert.Equal(t, 1, stored.ReinforcementCount)
	assert.InDelta(t, 0.6, stored.Salience, 1e-9)
	assert.Equal(t, []string{"hiking", "outdoors"}, stored.Tags)
	assert.Equal(t, []string{"t1", "t2"}, stored.SourceThreads)
	assert.Equal(t, "t1", stored.SourceThreadID)
	require.NotNil(t, stored.LastReinforcedAt)

	page, err := store.List(ctx, EventNamespace("u1"), storage.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestIndex_SimilarityThreshold(t *testing.T) {
	store := newSQLiteStore(t)
	ix := newTestIndexer(store)
	ctx := context.Background()

	_, err := ix.Index(ctx, "u1", "t1", []types.EventCandidate{{Text: "base", Embedding: []float32{1, 0}}})
	require.NoError(t, err)

	res, err := ix.Index(ctx, "u1", "t2", []types.EventCandidate{
		{Text: "close", Embedding: []float32{0.96, 0.28}},
		{Text: "far", Embedding: []float32{0.9, 0.436}},
	})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, types.OutcomeReinforced, res.Events[0].Outcome)
	assert.InDelta(t, 0.96, res.Events[0].Similarity, 1e-4)
	assert.Equal(t, "base", res.Events[0].Memory.Text, "the stored text is kept on reinforcement")
	assert.Equal(t, types.OutcomeCreated, res.Events[1].Outcome)
	assert.Less(t, res.Events[1].Similarity, 0.95)
}

func TestIndex_TieGoesToNewest(t *testing.T) {
	store := newSQLiteStore(t)
	ix := newTestIndexer(store)
	for i, key := range []string{"evt_old", "evt_new"} {
		storeEvent(t, store, &types.EventMemory{
			Key:         key,
			UserID:      "u1",
			Text:        "walked the dog",
			ContentHash: contentHash("walked the dog " + key),
			Embedding:   []float32{1, 0},
			Salience:    0.5,
			CreatedAt:   baseTime.Add(time.Duration(i) * time.Hour),
		})
	}

	res, err := ix.Index(context.Background(), "u1", "t9", []types.EventCandidate{{Text: "walked the dog", Embedding: []float32{1, 0}}})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "evt_new", res.Events[0].Memory.Key)
	assert.Equal(t, 0, getEvent(t, store, "u1", "evt_old").ReinforcementCount)
}

func TestIndex_SameThreadRedeliveryIsUnchanged(t *testing.T) {
	store := newSQLiteStore(t)
	ix := newTestIndexer(store)
	ctx := context.Background()
	c := []types.EventCandidate{{Text: "Adopted a cat named Miso", Salience: 0.8}}

	first, err := ix.Index(ctx, "u1", "t1", c)
	require.NoError(t, err)
	again, err := ix.Index(ctx, "u1", "t1", c)
	require.NoError(t, err)

	require.Len(t, again.Events, 1)
	assert.Equal(t, types.OutcomeUnchanged, again.Events[0].Outcome)
	stored := getEvent(t, store, "u1", first.Events[0].Memory.Key)
	assert.Equal(t, 0, stored.ReinforcementCount)
	assert.InDelta(t, 0.8, stored.Salience, 1e-9)
}

func TestIndex_RedeliveredRewordingIsUnchanged(t *testing.T) {
	store := newSQLiteStore(t)
	ix := newTestIndexer(store)
	ctx := context.Background()

	first, err := ix.Index(ctx, "u1", "t1", []types.EventCandidate{{Text: "User likes hiking"}})
	require.NoError(t, err)
	key := first.Events[0].Memory.Key

	reworded := []types.EventCandidate{{Text: "User likes hiking."}}
	second, err := ix.Index(ctx, "u1", "t2", reworded)
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.Equal(t, types.OutcomeReinforced, second.Events[0].Outcome)

	again, err := ix.Index(ctx, "u1", "t2", reworded)
	require.NoError(t, err)
	require.Len(t, again.Events, 1)
	assert.Equal(t, types.OutcomeUnchanged, again.Events[0].Outcome)
	assert.Equal(t, key, again.Events[0].Memory.Key)

	stored := getEvent(t, store, "u1", key)
	assert.Equal(t, 1, stored.ReinforcementCount)
	assert.InDelta(t, 0.6, stored.Salience, 1e-9)
	assert.Equal(t, []string{"t1", "t2"}, stored.SourceThreads)
	assert.Len(t, stored.AppliedKeys, 2)

	// The same wording from a third thread still counts.
	third, err := ix.Index(ctx, "u1", "t3", reworded)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeReinforced, third.Events[0].Outcome)
	assert.Equal(t, 2, getEvent(t, store, "u1", key).ReinforcementCount)
}

func TestIndex_SkipsEmptyTextAndSeparatesUsers(t *testing.T) {
	store := newSQLiteStore(t)
	ix := newTestIndexer(store)
	ctx := context.Background()

	res, err := ix.Index(ctx, "u1", "t1", []types.EventCandidate{{Text: "  "}, {Text: "Ran a marathon"}})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	res, err = ix.Index(ctx, "u2", "t1", []types.EventCandidate{{Text: "Ran a marathon"}})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCreated, res.Events[0].Outcome)
}

func TestIndex_StoreUnavailable(t *testing.T) {
	store := &vectorFault{VectorStore: newSQLiteStore(t), queryErr: errConnRefused}
	ix := newTestIndexer(store)

	_, err := ix.Index(context.Background(), "u1", "t1", []types.EventCandidate{{Text: "anything"}})
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}

func TestConsolidate_FoldsRacingDuplicates(t *testing.T) {
	store := newSQLiteStore(t)
	ix := newTestIndexer(store)
	ctx := context.Background()

	storeEvent(t, store, &types.EventMemory{
		Key: "evt_a", UserID: "u1", Text: "likes tea", ContentHash: contentHash("likes tea"),
		Embedding: []float32{1, 0}, Salience: 0.9, ReinforcementCount: 2,
		Tags: []string{"tea"}, SourceThreads: []string{"t1"}, CreatedAt: baseTime,
	})
	storeEvent(t, store, &types.EventMemory{
		Key: "evt_b", UserID: "u1", Text: "Likes tea", ContentHash: contentHash("Likes tea"),
		Embedding: []float32{0.99, 0.01}, Salience: 0.5,
		Tags: []string{"drinks"}, SourceThreads: []string{"t2"}, CreatedAt: baseTime.Add(time.Minute),
	})
	storeEvent(t, store, &types.EventMemory{
		Key: "evt_c", UserID: "u1", Text: "owns a bike", ContentHash: contentHash("owns a bike"),
		Embedding: []float32{0, 1}, Salience: 0.5, CreatedAt: baseTime,
	})

	res, err := ix.Consolidate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 1, res.Superseded)

	survivor := getEvent(t, store, "u1", "evt_a")
	assert.False(t, survivor.IsSuperseded())
	assert.Equal(t, 3, survivor.ReinforcementCount)
	assert.Equal(t, []string{"tea", "drinks"}, survivor.Tags)
	assert.Equal(t, []string{"t1", "t2"}, survivor.SourceThreads)
	assert.Equal(t, "evt_a", getEvent(t, store, "u1", "evt_b").SupersededBy)
	assert.False(t, getEvent(t, store, "u1", "evt_c").IsSuperseded())

	again, err := ix.Consolidate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Scanned)
	assert.Zero(t, again.Superseded)
}
