package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline Embedder based on feature
// hashing of lowercased word unigrams and bigrams. Equal texts always map to
// equal vectors; texts sharing words land close together. It needs no model
// and is used for tests and air-gapped deployments.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a HashEmbedder producing vectors of the given
// dimension (default 256).
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed returns the L2-normalized feature vector of text. Text without any
// word characters yields ErrEmbedding.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(ErrEmbedding, "hash embed", err)
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, classify(ErrEmbedding, "hash embed", errEmptyText)
	}

	vec := make([]float64, h.dimensions)
	for i, w := range words {
		h.add(vec, w, 1)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, h.dimensions)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (h *HashEmbedder) add(vec []float64, feature string, weight float64) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()

	idx := int(sum % uint64(h.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// Dimensions returns the vector size.
func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

// GetModel identifies the embedder in logs and cache keys.
func (h *HashEmbedder) GetModel() string {
	return "hash"
}

// Compile-time assertion.
var _ Embedder = (*HashEmbedder)(nil)
