package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
	"github.com/scrypster/mnemo/pkg/types"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// tickingClock advances one second per call so creation order is deterministic.
func tickingClock() func() time.Time {
	var tick atomic.Int64
	return func() time.Time {
		return baseTime.Add(time.Duration(tick.Add(1)) * time.Second)
	}
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = 2
	cfg.QueueSize = 10
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, stores Stores, extractor llm.Extractor, opts ...Option) *MemoryEngine {
	t.Helper()
	opts = append([]Option{WithClock(tickingClock())}, opts...)
	eng, err := NewMemoryEngine(stores, llm.NewHashEmbedder(256), extractor, schema.Default(), testConfig(), opts...)
	require.NoError(t, err)
	return eng
}

func userBatch(threadID, userID string, texts ...string) types.TurnBatch {
	batch := types.TurnBatch{ThreadID: threadID, UserID: userID}
	for i, text := range texts {
		batch.Turns = append(batch.Turns, types.Turn{
			TurnID:    threadID + "-" + string(rune('a'+i)),
			Role:      types.RoleUser,
			Text:      text,
			Timestamp: baseTime,
			Sequence:  int64(i),
		})
	}
	return batch
}

// scriptedExtractor returns results in order, then empty ones.
type scriptedExtractor struct {
	mu      sync.Mutex
	results []*types.ExtractionResult
	errs    []error
	calls   int
}

func (s *scriptedExtractor) Extract(ctx context.Context, turns []types.Turn, descriptor *schema.Descriptor) (*types.ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.results) == 0 {
		return &types.ExtractionResult{}, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}

// brokenMarkers fails every call like an unreachable database would.
type brokenMarkers struct{}

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connection refused")

func (brokenMarkers) ClaimMarker(context.Context, string, string, time.Time, time.Duration) (bool, error) {
	return false, errConnRefused
}
func (brokenMarkers) CompleteMarker(context.Context, string, string, time.Time) error {
	return errConnRefused
}
func (brokenMarkers) ReleaseMarker(context.Context, string, string) error { return errConnRefused }
func (brokenMarkers) GetMarker(context.Context, string, string) (*types.ProcessedTurnMarker, error) {
	return nil, errConnRefused
}
func (brokenMarkers) Close() error { return nil }

// completeFault wraps a MarkerStore and fails CompleteMarker for one turn.
type completeFault struct {
	storage.MarkerStore
	turnID string
}

func (f *completeFault) CompleteMarker(ctx context.Context, threadID, turnID string, now time.Time) error {
	if turnID == f.turnID {
		return storage.Unavailable("complete marker", errConnRefused)
	}
	return f.MarkerStore.CompleteMarker(ctx, threadID, turnID, now)
}

// schemaFault wraps a SchemaStore and fails compare-and-swap writes.
type schemaFault struct {
	storage.SchemaStore
	casErr   error
	casCalls atomic.Int32
}

func (f *schemaFault) CompareAndSwapSchema(ctx context.Context, mem *types.SchemaMemory, expected int64, threadID string) error {
	f.casCalls.Add(1)
	return f.casErr
}

// vectorFault wraps a VectorStore and fails the first upserts or every query.
type vectorFault struct {
	storage.VectorStore
	passUpserts atomic.Int32 // upserts let through before failUpserts applies
	failUpserts atomic.Int32
	queryErr    error
}

func (f *vectorFault) Upsert(ctx context.Context, ns, key string, vec []float32, md map[string]string) error {
	if f.passUpserts.Load() > 0 {
		f.passUpserts.Add(-1)
		return f.VectorStore.Upsert(ctx, ns, key, vec, md)
	}
	if f.failUpserts.Load() > 0 {
		f.failUpserts.Add(-1)
		return storage.Unavailable("upsert", errConnRefused)
	}
	return f.VectorStore.Upsert(ctx, ns, key, vec, md)
}

func (f *vectorFault) Query(ctx context.Context, ns string, vec []float32, k int, filter storage.Filter) ([]storage.Match, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.VectorStore.Query(ctx, ns, vec, k, filter)
}

// staticMatches is a VectorStore answering every query with fixed matches.
type staticMatches struct {
	storage.VectorStore
	matches []storage.Match
	lastK   int
}

func (s *staticMatches) Query(ctx context.Context, ns string, vec []float32, k int, filter storage.Filter) ([]storage.Match, error) {
	s.lastK = k
	return s.matches, nil
}

// eventMatch builds a stored event match with the given score and creation time.
func eventMatch(key string, score float64, createdAt time.Time) storage.Match {
	mem := &types.EventMemory{
		Key:         key,
		UserID:      "u1",
		Text:        "event " + key,
		ContentHash: contentHash("event " + key),
		Salience:    0.5,
		CreatedAt:   createdAt,
	}
	return storage.Match{
		Record: storage.Record{Namespace: EventNamespace("u1"), Key: key, Vector: []float32{1, 0}, Metadata: encodeEvent(mem), CreatedAt: createdAt},
		Score:  score,
	}
}
