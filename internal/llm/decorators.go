package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"
)

var errEmptyText = errors.New("text has no embeddable content")

// DimensionGuard rejects vectors whose size differs from the deployment's
// fixed dimension, so a misconfigured model cannot poison the store.
type DimensionGuard struct {
	next       Embedder
	dimensions int
}

// WithDimensions wraps next so every vector must have exactly dimensions entries.
func WithDimensions(next Embedder, dimensions int) *DimensionGuard {
	return &DimensionGuard{next: next, dimensions: dimensions}
}

// Embed implements Embedder.
func (g *DimensionGuard) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := g.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != g.dimensions {
		return nil, fmt.Errorf("%w: model %s returned %d dimensions, want %d", ErrEmbedding, g.next.GetModel(), len(vec), g.dimensions)
	}
	return vec, nil
}

// Dimensions returns the enforced vector size.
func (g *DimensionGuard) Dimensions() int { return g.dimensions }

// GetModel implements Embedder.
func (g *DimensionGuard) GetModel() string { return g.next.GetModel() }

// Close releases the wrapped embedder's resources, if it holds any.
func (g *DimensionGuard) Close() {
	if c, ok := g.next.(interface{ Close() }); ok {
		c.Close()
	}
}

// CachedEmbedder memoizes embeddings in a ristretto cache keyed by model
// and text. Queries and restated facts are embedded once.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache
}

// WithCache wraps next with a cache holding up to maxEntries vectors.
func WithCache(next Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed implements Embedder. Cached vectors are copied so callers may
// mutate the result.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.next.GetModel() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...), 1)
	return vec, nil
}

// GetModel implements Embedder.
func (c *CachedEmbedder) GetModel() string { return c.next.GetModel() }

// Close releases the cache.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}

// Limiter paces calls to a provider with a token bucket. It protects the
// provider's quota; it is not caller-facing rate limiting.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows rps calls per second with the given burst. A
// non-positive rps disables pacing.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// wait blocks until a call may proceed. Running out of context time while
// queued is a gateway timeout.
func (l *Limiter) wait(ctx context.Context, kind error) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return classify(kind, "rate limiter", err)
		}
		return fmt.Errorf("%w: rate limiter: %w", ErrGatewayTimeout, err)
	}
	return nil
}

type pacedEmbedder struct {
	next    Embedder
	limiter *Limiter
}

// PaceEmbedder wraps next so calls pass through limiter.
func PaceEmbedder(next Embedder, limiter *Limiter) Embedder {
	return &pacedEmbedder{next: next, limiter: limiter}
}

func (p *pacedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.limiter.wait(ctx, ErrEmbedding); err != nil {
		return nil, err
	}
	return p.next.Embed(ctx, text)
}

func (p *pacedEmbedder) GetModel() string { return p.next.GetModel() }

type pacedGenerator struct {
	next    TextGenerator
	limiter *Limiter
}

// PaceGenerator wraps next so calls pass through limiter.
func PaceGenerator(next TextGenerator, limiter *Limiter) TextGenerator {
	return &pacedGenerator{next: next, limiter: limiter}
}

func (p *pacedGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	if err := p.limiter.wait(ctx, ErrExtraction); err != nil {
		return "", err
	}
	return p.next.Complete(ctx, prompt)
}

func (p *pacedGenerator) GetModel() string { return p.next.GetModel() }
