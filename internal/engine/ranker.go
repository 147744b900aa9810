package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// RetrieveOptions adjusts a retrieval.
type RetrieveOptions struct {
	// AllowDegraded returns the schema memory alone when the event store
	// is unavailable, instead of failing.
	AllowDegraded bool
}

// RankerConfig tunes retrieval.
type RankerConfig struct {
	DefaultTopK    int
	OverFetch      int
	GatewayRetries int
}

// Ranker fuses the user's schema memory with the top-k matching event
// memories. The schema memory is always included.
type Ranker struct {
	schemas  *Reconciler
	events   storage.VectorStore
	embedder llm.Embedder
	cfg      RankerConfig
	opts     options
}

// NewRanker creates a Ranker reading schema memory through schemas.
func NewRanker(schemas *Reconciler, events storage.VectorStore, embedder llm.Embedder, cfg RankerConfig, opts ...Option) *Ranker {
	return &Ranker{schemas: schemas, events: events, embedder: embedder, cfg: cfg, opts: buildOptions(opts)}
}

// Retrieve returns the user's context for queryText. Events are ordered by
// descending similarity, then newest first, then by key. k == 0 uses the
// configured default; an empty query returns the schema memory only.
func (r *Ranker) Retrieve(ctx context.Context, userID, queryText string, k int, opts RetrieveOptions) (*types.RetrievalResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	if k < 0 {
		return nil, fmt.Errorf("%w: k must be >= 0, got %d", storage.ErrInvalidInput, k)
	}
	if k == 0 {
		k = r.cfg.DefaultTopK
	}
	queryText = strings.TrimSpace(queryText)
	emitToContext(ctx, TraceEvent{Kind: KindRetrievalStarted, Query: queryText, Count: k})

	var vec []float32
	if queryText != "" {
		var err error
		vec, err = callGateway(ctx, r.cfg.GatewayRetries, "embed query", r.opts.logger, r.opts.metrics,
			func(ctx context.Context) ([]float32, error) { return r.embedder.Embed(ctx, queryText) })
		if err != nil {
			r.opts.metrics.ObserveRetrieval("error")
			return nil, err
		}
	}

	var (
		mem       *types.SchemaMemory
		matches   []storage.Match
		eventsErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mem, err = r.schemas.Current(gctx, userID)
		return err
	})
	if vec != nil {
		g.Go(func() error {
			var err error
			matches, err = r.events.Query(gctx, EventNamespace(userID), vec, k+r.cfg.OverFetch, liveEvents)
			if err == nil {
				return nil
			}
			err = failClosed("query events", err)
			if opts.AllowDegraded && errors.Is(err, storage.ErrStoreUnavailable) {
				eventsErr = err
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		r.opts.metrics.ObserveRetrieval("error")
		return nil, err
	}

	result := &types.RetrievalResult{
		UserID:      userID,
		Query:       queryText,
		Schema:      mem,
		Events:      []types.ScoredEvent{},
		RetrievedAt: r.opts.now().UTC(),
	}

	if eventsErr != nil {
		r.opts.logger.Warn("event store unavailable, returning schema memory only",
			zap.String("user_id", userID),
			zap.Error(eventsErr))
		emitToContext(ctx, TraceEvent{Kind: KindDegraded, Reason: eventsErr.Error()})
		r.opts.metrics.ObserveRetrieval("degraded")
		result.Degraded = true
		return result, nil
	}

	emitToContext(ctx, TraceEvent{Kind: KindCandidatesFound, Count: len(matches)})
	result.Events = r.rank(ctx, matches, k)

	keys := make([]string, len(result.Events))
	for i, e := range result.Events {
		keys[i] = e.Event.Key
	}
	emitToContext(ctx, TraceEvent{Kind: KindResultsReturned, Count: len(keys), Keys: keys})
	r.opts.metrics.ObserveRetrieval("full")
	return result, nil
}

// rank decodes, filters, orders and truncates matches to k.
func (r *Ranker) rank(ctx context.Context, matches []storage.Match, k int) []types.ScoredEvent {
	scored := make([]types.ScoredEvent, 0, len(matches))
	for _, m := range matches {
		e, err := decodeEvent(m.Record)
		if err != nil {
			r.opts.logger.Warn("skipping undecodable event record", zap.String("key", m.Key), zap.Error(err))
			emitToContext(ctx, TraceEvent{Kind: KindFilteredOut, Key: m.Key, Reason: "undecodable"})
			continue
		}
		if e.IsSuperseded() {
			emitToContext(ctx, TraceEvent{Kind: KindFilteredOut, Key: m.Key, Score: m.Score, Reason: "superseded by " + e.SupersededBy})
			continue
		}
		e.Embedding = nil
		scored = append(scored, types.ScoredEvent{Event: *e, Score: m.Score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return newer(&scored[i].Event, &scored[j].Event)
	})

	if len(scored) > k {
		for _, s := range scored[k:] {
			emitToContext(ctx, TraceEvent{Kind: KindFilteredOut, Key: s.Event.Key, Score: s.Score, Reason: "below top k"})
		}
		scored = scored[:k]
	}
	return scored
}
