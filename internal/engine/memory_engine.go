package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// Stores groups the backends the engine writes to. They may be one backend
// implementing all three interfaces or different ones.
type Stores struct {
	Events  storage.VectorStore
	Markers storage.MarkerStore
	Schemas storage.SchemaStore
}

// FromStore uses a single backend for everything.
func FromStore(s storage.Store) Stores {
	return Stores{Events: s, Markers: s, Schemas: s}
}

// MemoryEngine is the core orchestrator: it wires the deduplicator,
// reconciler, indexer and ranker into the ingest and retrieval pipelines
// and runs the optional async ingest worker pool.
type MemoryEngine struct {
	config     Config
	descriptor *schema.Descriptor
	extractor  llm.Extractor
	opts       options

	dedup      *Deduplicator
	reconciler *Reconciler
	indexer    *Indexer
	ranker     *Ranker

	// Async ingest pipeline
	ingestQueue     chan *IngestJob
	workerWaitGroup sync.WaitGroup
	workerCtx       context.Context
	workerCancel    context.CancelFunc

	// State management
	started      bool
	shuttingDown bool
	mu           sync.RWMutex

	// Callbacks
	listenerMu sync.RWMutex
	onChange   []func(Change)
	onIngested func(*types.IngestResult)
}

// NewMemoryEngine creates a new memory engine with the given configuration.
// Use DefaultConfig() for sensible defaults and schema.Default() for the
// standard user profile.
func NewMemoryEngine(stores Stores, embedder llm.Embedder, extractor llm.Extractor, descriptor *schema.Descriptor, cfg Config, opts ...Option) (*MemoryEngine, error) {
	if stores.Events == nil || stores.Markers == nil || stores.Schemas == nil {
		return nil, fmt.Errorf("event, marker and schema stores are required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if descriptor == nil {
		descriptor = schema.Default()
	}
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &MemoryEngine{
		config:      cfg,
		descriptor:  descriptor,
		extractor:   extractor,
		ingestQueue: make(chan *IngestJob, cfg.QueueSize),
	}

	// Components publish changes through the engine's listeners.
	opts = append(opts, WithNotifier(e.publish))
	e.opts = buildOptions(opts)

	e.dedup = NewDeduplicator(stores.Markers, cfg.ClaimTTL, opts...)
	e.reconciler = NewReconciler(stores.Schemas, descriptor, cfg.MaxApplyRetries, opts...)
	e.indexer = NewIndexer(stores.Events, embedder, IndexerConfig{
		Threshold:      cfg.NearDuplicateThreshold,
		SalienceBoost:  cfg.SalienceBoost,
		Candidates:     cfg.DedupCandidates,
		GatewayRetries: cfg.GatewayRetries,
	}, opts...)
	e.ranker = NewRanker(e.reconciler, stores.Events, embedder, RankerConfig{
		DefaultTopK:    cfg.DefaultTopK,
		OverFetch:      cfg.OverFetch,
		GatewayRetries: cfg.GatewayRetries,
	}, opts...)

	return e, nil
}

// Descriptor returns the schema descriptor the engine reconciles against.
func (e *MemoryEngine) Descriptor() *schema.Descriptor {
	return e.descriptor
}

// Deduplicator exposes the turn admission component.
func (e *MemoryEngine) Deduplicator() *Deduplicator { return e.dedup }

// Reconciler exposes the schema memory component.
func (e *MemoryEngine) Reconciler() *Reconciler { return e.reconciler }

// Indexer exposes the event memory component.
func (e *MemoryEngine) Indexer() *Indexer { return e.indexer }

// Ranker exposes the retrieval component.
func (e *MemoryEngine) Ranker() *Ranker { return e.ranker }

// OnChange registers a listener for committed changes. Listeners run on
// the writing goroutine and must not block.
func (e *MemoryEngine) OnChange(fn func(Change)) {
	e.listenerMu.Lock()
	e.onChange = append(e.onChange, fn)
	e.listenerMu.Unlock()
}

// SetOnIngested sets a callback run after every successful async ingest.
func (e *MemoryEngine) SetOnIngested(fn func(*types.IngestResult)) {
	e.listenerMu.Lock()
	e.onIngested = fn
	e.listenerMu.Unlock()
}

func (e *MemoryEngine) publish(c Change) {
	e.listenerMu.RLock()
	listeners := e.onChange
	e.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// Ingest processes one batch of turns for a thread. Turns already claimed
// or processed are discarded, so redelivery of the same batch is safe. If
// any step fails the admitted turns are released and the error is returned
// unchanged in kind; the schema revision is all-or-nothing.
func (e *MemoryEngine) Ingest(ctx context.Context, batch types.TurnBatch) (*types.IngestResult, error) {
	start := time.Now()
	defer e.opts.metrics.ObserveLatency("ingest", start)

	turns, err := normalizeBatch(batch)
	if err != nil {
		return nil, err
	}

	result := &types.IngestResult{
		ThreadID:  batch.ThreadID,
		UserID:    batch.UserID,
		Admitted:  []string{},
		Discarded: []string{},
	}

	var admitted []types.Turn
	release := func() {
		// Use a fresh context so a cancelled request still gives its claims back.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, t := range admitted {
			if err := e.dedup.Release(rctx, t.ThreadID, t.TurnID); err != nil {
				e.opts.logger.Error("failed to release turn marker",
					zap.String("thread_id", t.ThreadID),
					zap.String("turn_id", t.TurnID),
					zap.Error(err))
			}
		}
	}

	for _, t := range turns {
		ok, err := e.dedup.Admit(ctx, t.ThreadID, t.TurnID)
		if err != nil {
			release()
			return nil, err
		}
		if ok {
			admitted = append(admitted, t)
			result.Admitted = append(result.Admitted, t.TurnID)
		} else {
			result.Discarded = append(result.Discarded, t.TurnID)
		}
	}
	if len(admitted) == 0 {
		e.opts.logger.Debug("batch fully deduplicated",
			zap.String("thread_id", batch.ThreadID),
			zap.Int("discarded", len(result.Discarded)))
		return result, nil
	}

	extraction, err := callGateway(ctx, e.config.GatewayRetries, "extract", e.opts.logger, e.opts.metrics,
		func(ctx context.Context) (*types.ExtractionResult, error) {
			return e.extractor.Extract(ctx, admitted, e.descriptor)
		})
	if err != nil {
		release()
		return nil, err
	}

	applied, err := e.reconciler.Apply(ctx, batch.UserID, extraction.Patches, Batch{
		Key:      batchKey(batch.ThreadID, admitted),
		ThreadID: batch.ThreadID,
	})
	if err != nil {
		release()
		return nil, err
	}
	result.Schema = applied

	indexed, err := e.indexer.Index(ctx, batch.UserID, batch.ThreadID, extraction.Events)
	if err != nil {
		release()
		return nil, err
	}
	result.Events = indexed

	// The batch is committed by now. A marker that cannot be completed stays
	// claimed until ClaimTTL, and its replay finds its values already merged
	// and its events already applied.
	for _, t := range admitted {
		if err := e.dedup.Complete(ctx, t.ThreadID, t.TurnID); err != nil {
			e.opts.logger.Warn("failed to complete turn marker",
				zap.String("thread_id", t.ThreadID),
				zap.String("turn_id", t.TurnID),
				zap.Error(err))
		}
	}

	e.opts.logger.Info("batch ingested",
		zap.String("thread_id", batch.ThreadID),
		zap.String("user_id", batch.UserID),
		zap.Int("admitted", len(result.Admitted)),
		zap.Int("discarded", len(result.Discarded)),
		zap.Int("patches", len(extraction.Patches)),
		zap.Int("events", len(extraction.Events)),
		zap.Int64("revision", applied.Memory.Revision))
	return result, nil
}

// Retrieve returns the merged context for queryText.
func (e *MemoryEngine) Retrieve(ctx context.Context, userID, queryText string, k int, opts RetrieveOptions) (*types.RetrievalResult, error) {
	start := time.Now()
	defer e.opts.metrics.ObserveLatency("retrieve", start)
	return e.ranker.Retrieve(ctx, userID, queryText, k, opts)
}

// Profile returns the user's current schema memory.
func (e *MemoryEngine) Profile(ctx context.Context, userID string) (*types.SchemaMemory, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	return e.reconciler.Current(ctx, userID)
}

// ProfileHistory pages through the user's schema revisions, newest first.
func (e *MemoryEngine) ProfileHistory(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.SchemaRevision], error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	return e.reconciler.History(ctx, userID, opts)
}

// Consolidate folds near-duplicate event memories of a user.
func (e *MemoryEngine) Consolidate(ctx context.Context, userID string) (*types.ConsolidationResult, error) {
	start := time.Now()
	defer e.opts.metrics.ObserveLatency("consolidate", start)
	return e.indexer.Consolidate(ctx, userID)
}

// normalizeBatch validates a batch and returns its turns in sequence
// order. Turns without thread or user inherit the batch's.
func normalizeBatch(batch types.TurnBatch) ([]types.Turn, error) {
	if batch.ThreadID == "" || batch.UserID == "" {
		return nil, fmt.Errorf("%w: thread id and user id are required", storage.ErrInvalidInput)
	}
	if len(batch.Turns) == 0 {
		return nil, fmt.Errorf("%w: batch has no turns", storage.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(batch.Turns))
	turns := make([]types.Turn, len(batch.Turns))
	for i, t := range batch.Turns {
		if t.ThreadID == "" {
			t.ThreadID = batch.ThreadID
		}
		if t.UserID == "" {
			t.UserID = batch.UserID
		}
		switch {
		case t.ThreadID != batch.ThreadID:
			return nil, fmt.Errorf("%w: turn %s belongs to thread %s, not %s", storage.ErrInvalidInput, t.TurnID, t.ThreadID, batch.ThreadID)
		case t.UserID != batch.UserID:
			return nil, fmt.Errorf("%w: turn %s belongs to user %s, not %s", storage.ErrInvalidInput, t.TurnID, t.UserID, batch.UserID)
		case t.TurnID == "":
			return nil, fmt.Errorf("%w: turn %d has no id", storage.ErrInvalidInput, i)
		case seen[t.TurnID]:
			return nil, fmt.Errorf("%w: duplicate turn id %s", storage.ErrInvalidInput, t.TurnID)
		case !types.IsValidRole(t.Role):
			return nil, fmt.Errorf("%w: turn %s has invalid role %q", storage.ErrInvalidInput, t.TurnID, t.Role)
		}
		seen[t.TurnID] = true
		turns[i] = t
	}

	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Sequence < turns[j].Sequence })
	return turns, nil
}

// batchKey derives the idempotency key of the admitted turns of a thread.
func batchKey(threadID string, turns []types.Turn) string {
	ids := make([]string, len(turns))
	for i, t := range turns {
		ids[i] = t.TurnID
	}
	sum := sha256.Sum256([]byte(threadID + "\x00" + strings.Join(ids, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// IsRetryable reports whether an ingest failure may succeed if the same
// batch is delivered again.
func IsRetryable(err error) bool {
	return errors.Is(err, storage.ErrStoreUnavailable) ||
		errors.Is(err, ErrConcurrentUpdateConflict) ||
		isGatewayError(err)
}
