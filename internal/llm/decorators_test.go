package llm

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder returns a fixed vector and counts calls.
type countingEmbedder struct {
	calls atomic.Int32
	vec   []float32
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return append([]float32(nil), c.vec...), nil
}

func (c *countingEmbedder) GetModel() string { return "counting" }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	h := NewHashEmbedder(128)
	ctx := context.Background()

	a, err := h.Embed(ctx, "I like hiking")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "i like HIKING!")
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.Equal(t, 128, h.Dimensions())
	assert.InDelta(t, 1.0, cosine(a, b), 1e-6)
}

func TestHashEmbedder_SimilarityOrdering(t *testing.T) {
	h := NewHashEmbedder(512)
	ctx := context.Background()

	base, _ := h.Embed(ctx, "user went hiking in the mountains")
	near, _ := h.Embed(ctx, "user went hiking in the hills")
	far, _ := h.Embed(ctx, "quarterly tax filing deadline")

	assert.Greater(t, cosine(base, near), cosine(base, far))
	assert.Less(t, cosine(base, near), 0.95)
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	_, err := NewHashEmbedder(0).Embed(context.Background(), " ?! ")
	assert.ErrorIs(t, err, ErrEmbedding)
}

func TestDimensionGuard(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{1, 0, 0}}

	_, err := WithDimensions(inner, 4).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmbedding)

	g := WithDimensions(inner, 3)
	vec, err := g.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, 3, g.Dimensions())
	assert.Equal(t, "counting", g.GetModel())
}

func TestDimensionGuard_PassesErrorsThrough(t *testing.T) {
	inner := &countingEmbedder{err: ErrGatewayTimeout}
	_, err := WithDimensions(inner, 3).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrGatewayTimeout)
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{0.6, 0.8}}
	c, err := WithCache(inner, 100)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	first, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	c.cache.Wait()

	second, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	// Mutating a result must not corrupt the cache.
	second[0] = 42
	third, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, float32(0.6), third[0])

	_, err = c.Embed(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedEmbedder_DoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("boom")}
	c, err := WithCache(inner, 10)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Embed(context.Background(), "x")
	require.Error(t, err)
	c.cache.Wait()
	_, err = c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestLimiter_DisabledNeverBlocks(t *testing.T) {
	l := NewLimiter(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.wait(ctx, ErrEmbedding))
	}
}

func TestPaceEmbedder_TimesOutWhileQueued(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{1}}
	emb := PaceEmbedder(inner, NewLimiter(0.01, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := emb.Embed(ctx, "first")
	require.NoError(t, err)

	_, err = emb.Embed(ctx, "second")
	assert.ErrorIs(t, err, ErrGatewayTimeout)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestPaceGenerator_Cancelled(t *testing.T) {
	gen := PaceGenerator(&scriptedGenerator{answers: []string{"{}"}}, NewLimiter(0.01, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gen.Complete(ctx, "p")
	assert.ErrorIs(t, err, ErrExtraction)
	assert.NotErrorIs(t, err, ErrGatewayTimeout)
}
