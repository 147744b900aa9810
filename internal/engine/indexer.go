package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// defaultSalience is given to candidates that carry no salience.
const defaultSalience = 0.5

// IndexerConfig tunes near-duplicate folding.
type IndexerConfig struct {
	Threshold      float64 // Similarity at or above which a candidate reinforces
	SalienceBoost  float64
	Candidates     int // Nearest events considered per candidate
	GatewayRetries int
}

// Indexer turns event candidates into event memories. A candidate that is a
// near duplicate of a live event reinforces it instead of adding a record,
// so restating a fact never grows the store.
type Indexer struct {
	store    storage.VectorStore
	embedder llm.Embedder
	cfg      IndexerConfig
	opts     options
}

// NewIndexer creates an Indexer over store.
func NewIndexer(store storage.VectorStore, embedder llm.Embedder, cfg IndexerConfig, opts ...Option) *Indexer {
	if cfg.Candidates < 1 {
		cfg.Candidates = 1
	}
	return &Indexer{store: store, embedder: embedder, cfg: cfg, opts: buildOptions(opts)}
}

// Index stores each candidate for userID, in order. Candidates are
// independent: on error the ones already indexed stay indexed, and indexing
// the same candidate again from the same thread changes nothing.
func (ix *Indexer) Index(ctx context.Context, userID, threadID string, candidates []types.EventCandidate) (*types.IndexResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}

	result := &types.IndexResult{Events: make([]types.IndexedEvent, 0, len(candidates))}
	for _, c := range candidates {
		if strings.TrimSpace(c.Text) == "" {
			ix.opts.logger.Warn("skipping event candidate without text", zap.String("user_id", userID))
			continue
		}
		indexed, err := ix.indexOne(ctx, userID, threadID, c)
		if err != nil {
			return result, err
		}
		ix.opts.metrics.ObserveEvent(string(indexed.Outcome))
		result.Events = append(result.Events, *indexed)
	}
	return result, nil
}

func (ix *Indexer) indexOne(ctx context.Context, userID, threadID string, c types.EventCandidate) (*types.IndexedEvent, error) {
	text := strings.TrimSpace(c.Text)
	vec := c.Embedding
	if len(vec) == 0 {
		var err error
		vec, err = callGateway(ctx, ix.cfg.GatewayRetries, "embed event", ix.opts.logger, ix.opts.metrics,
			func(ctx context.Context) ([]float32, error) { return ix.embedder.Embed(ctx, text) })
		if err != nil {
			return nil, err
		}
	}

	ns := EventNamespace(userID)
	matches, err := ix.store.Query(ctx, ns, vec, ix.cfg.Candidates, liveEvents)
	if err != nil {
		return nil, failClosed("query events", err)
	}

	hash := contentHash(text)
	best, score := ix.bestMatch(matches)
	if best != nil && score >= ix.cfg.Threshold {
		return ix.reinforce(ctx, best, score, threadID, hash, c)
	}

	now := ix.opts.now().UTC()
	mem := &types.EventMemory{
		Key:            eventKey(hash, now),
		UserID:         userID,
		Text:           text,
		ContentHash:    hash,
		Embedding:      vec,
		Tags:           unionStrings(nil, c.Tags),
		Topic:          c.Topic,
		Salience:       candidateSalience(c),
		SourceThreadID: threadID,
		SourceThreads:  []string{threadID},
		CreatedAt:      now,
		AppliedKeys:    []string{applyKey(threadID, hash)},
	}
	if err := ix.store.Upsert(ctx, ns, mem.Key, vec, encodeEvent(mem)); err != nil {
		return nil, failClosed("insert event", err)
	}

	ix.opts.logger.Info("event memory created",
		zap.String("user_id", userID),
		zap.String("key", mem.Key),
		zap.String("thread_id", threadID),
		zap.Float64("best_similarity", score))
	ix.opts.notify(Change{Kind: ChangeEventCreated, UserID: userID, ThreadID: threadID, Key: mem.Key, At: now})

	return &types.IndexedEvent{Outcome: types.OutcomeCreated, Similarity: score, Memory: *mem}, nil
}

func (ix *Indexer) reinforce(ctx context.Context, existing *types.EventMemory, score float64, threadID, hash string, c types.EventCandidate) (*types.IndexedEvent, error) {
	key := applyKey(threadID, hash)
	if containsString(existing.AppliedKeys, key) ||
		(hash == existing.ContentHash && containsString(existing.SourceThreads, threadID)) {
		return &types.IndexedEvent{Outcome: types.OutcomeUnchanged, Similarity: score, Memory: *existing}, nil
	}

	now := ix.opts.now().UTC()
	updated := *existing
	updated.Salience = math.Min(1, math.Max(existing.Salience, candidateSalience(c))+ix.cfg.SalienceBoost)
	updated.Tags = unionStrings(existing.Tags, c.Tags)
	updated.ReinforcementCount = existing.ReinforcementCount + 1
	updated.SourceThreads = unionStrings(existing.SourceThreads, []string{threadID})
	updated.LastReinforcedAt = &now
	updated.AppliedKeys = unionStrings(existing.AppliedKeys, []string{key})
	if updated.Topic == "" {
		updated.Topic = c.Topic
	}

	if err := ix.store.Upsert(ctx, EventNamespace(existing.UserID), existing.Key, existing.Embedding, encodeEvent(&updated)); err != nil {
		return nil, failClosed("reinforce event", err)
	}

	ix.opts.logger.Info("event memory reinforced",
		zap.String("user_id", existing.UserID),
		zap.String("key", existing.Key),
		zap.String("thread_id", threadID),
		zap.Float64("similarity", score),
		zap.Int("reinforcement_count", updated.ReinforcementCount))
	ix.opts.notify(Change{Kind: ChangeEventReinforced, UserID: existing.UserID, ThreadID: threadID, Key: existing.Key, At: now})

	return &types.IndexedEvent{Outcome: types.OutcomeReinforced, Similarity: score, Memory: updated}, nil
}

// bestMatch picks the live event with the highest score, preferring the
// most recently created one on ties.
func (ix *Indexer) bestMatch(matches []storage.Match) (*types.EventMemory, float64) {
	var (
		best      *types.EventMemory
		bestScore float64
	)
	for _, m := range matches {
		e, err := decodeEvent(m.Record)
		if err != nil {
			ix.opts.logger.Warn("skipping undecodable event record", zap.String("key", m.Key), zap.Error(err))
			continue
		}
		if e.IsSuperseded() {
			continue
		}
		if best == nil || m.Score > bestScore ||
			(m.Score == bestScore && newer(e, best)) {
			best, bestScore = e, m.Score
		}
	}
	return best, bestScore
}

// newer orders events by creation time, newest first, then by key.
func newer(a, b *types.EventMemory) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Key < b.Key
}

func candidateSalience(c types.EventCandidate) float64 {
	if c.Salience <= 0 {
		return defaultSalience
	}
	return math.Min(c.Salience, 1)
}

// Consolidate folds near-duplicate live events of userID that racing
// writers created side by side. The survivor of each group is the event
// with the most reinforcements, then the most recent; the others get
// SupersededBy set and drop out of retrieval.
func (ix *Indexer) Consolidate(ctx context.Context, userID string) (*types.ConsolidationResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	ns := EventNamespace(userID)

	var events []*types.EventMemory
	opts := storage.ListOptions{Page: 1, Limit: 500, Filter: liveEvents}
	for {
		page, err := ix.store.List(ctx, ns, opts)
		if err != nil {
			return nil, failClosed("list events", err)
		}
		for _, rec := range page.Items {
			e, err := decodeEvent(rec)
			if err != nil {
				ix.opts.logger.Warn("skipping undecodable event record", zap.String("key", rec.Key), zap.Error(err))
				continue
			}
			events = append(events, e)
		}
		if !page.HasMore {
			break
		}
		opts.Page++
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ReinforcementCount != events[j].ReinforcementCount {
			return events[i].ReinforcementCount > events[j].ReinforcementCount
		}
		return newer(events[i], events[j])
	})

	result := &types.ConsolidationResult{UserID: userID, Scanned: len(events)}
	now := ix.opts.now().UTC()
	for i, survivor := range events {
		if survivor.IsSuperseded() {
			continue
		}
		absorbed := false
		for _, other := range events[i+1:] {
			if other.IsSuperseded() || cosine(survivor.Embedding, other.Embedding) < ix.cfg.Threshold {
				continue
			}
			other.SupersededBy = survivor.Key
			if err := ix.store.Upsert(ctx, ns, other.Key, other.Embedding, encodeEvent(other)); err != nil {
				return result, failClosed("supersede event", err)
			}
			survivor.Tags = unionStrings(survivor.Tags, other.Tags)
			survivor.SourceThreads = unionStrings(survivor.SourceThreads, other.SourceThreads)
			survivor.AppliedKeys = unionStrings(survivor.AppliedKeys, other.AppliedKeys)
			survivor.Salience = math.Max(survivor.Salience, other.Salience)
			survivor.ReinforcementCount += other.ReinforcementCount + 1
			absorbed = true
			result.Superseded++

			ix.opts.notify(Change{Kind: ChangeEventSuperseded, UserID: userID, Key: other.Key, At: now})
			ix.opts.logger.Info("event memory superseded",
				zap.String("user_id", userID),
				zap.String("key", other.Key),
				zap.String("superseded_by", survivor.Key))
		}
		if absorbed {
			survivor.LastReinforcedAt = &now
			if err := ix.store.Upsert(ctx, ns, survivor.Key, survivor.Embedding, encodeEvent(survivor)); err != nil {
				return result, failClosed("update survivor", err)
			}
		}
	}
	return result, nil
}
