// Package llm provides the gateways mnemo uses to reach language models: an
// embedding gateway that turns text into fixed-dimension vectors and an
// extraction gateway that reads conversation turns and proposes schema
// patches and event memories. Provider clients for Ollama, OpenAI and
// Anthropic are included together with decorators for caching, pacing,
// dimension checking and circuit breaking.
package llm

import (
	"context"

	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/pkg/types"
)

// TextGenerator is the interface for LLM text completion.
// All extraction prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// Embedder turns text into a vector. Every vector returned by one Embedder
// has the same dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// Extractor reads a window of turns and proposes updates to the user's
// schema memory and new event memories.
type Extractor interface {
	Extract(ctx context.Context, turns []types.Turn, descriptor *schema.Descriptor) (*types.ExtractionResult, error)
}
