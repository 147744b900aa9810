package llm

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Provider names accepted by the factories.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderHash      = "hash"   // Embedding only
	ProviderStatic    = "static" // Extraction only
)

// ProviderConfig selects and configures one provider.
type ProviderConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration

	// RequestsPerSecond paces calls to the provider; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// EmbedderConfig configures the embedding gateway.
type EmbedderConfig struct {
	ProviderConfig

	// Dimensions is the fixed vector size D of this deployment.
	Dimensions int

	// CacheEntries bounds the embedding cache; zero disables caching.
	CacheEntries int64
}

// NewTextGenerator creates the TextGenerator for cfg.Provider.
func NewTextGenerator(cfg ProviderConfig, logger *zap.Logger) (TextGenerator, error) {
	var gen TextGenerator
	switch cfg.Provider {
	case ProviderOpenAI:
		gen = NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Logger: logger})
	case ProviderAnthropic:
		gen = NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Logger: logger})
	case ProviderOllama, "":
		gen = NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout, Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported extraction provider: %q", cfg.Provider)
	}
	if cfg.RequestsPerSecond > 0 {
		gen = PaceGenerator(gen, NewLimiter(cfg.RequestsPerSecond, cfg.Burst))
	}
	return gen, nil
}

// NewExtractor creates the extraction gateway. The static provider needs no
// model; every other provider is driven through an LLMExtractor.
func NewExtractor(cfg ProviderConfig, window Windower, logger *zap.Logger) (Extractor, error) {
	if cfg.Provider == ProviderStatic {
		return StaticExtractor{}, nil
	}
	gen, err := NewTextGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewLLMExtractor(gen, LLMExtractorConfig{Window: window, Logger: logger}), nil
}

// NewEmbedder creates the embedding gateway: the provider client, paced and
// cached when configured, behind a DimensionGuard enforcing cfg.Dimensions.
// Anthropic has no embedding endpoint.
func NewEmbedder(cfg EmbedderConfig, logger *zap.Logger) (*DimensionGuard, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}

	var emb Embedder
	switch cfg.Provider {
	case ProviderOpenAI:
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		emb = NewOpenAIEmbeddingClient(OpenAIConfig{APIKey: cfg.APIKey, Model: model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Logger: logger}, cfg.Dimensions)
	case ProviderOllama, "":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		emb = NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: model, Timeout: cfg.Timeout, Logger: logger})
	case ProviderHash:
		emb = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}

	if cfg.RequestsPerSecond > 0 {
		emb = PaceEmbedder(emb, NewLimiter(cfg.RequestsPerSecond, cfg.Burst))
	}
	if cfg.CacheEntries > 0 {
		cached, err := WithCache(emb, cfg.CacheEntries)
		if err != nil {
			return nil, err
		}
		emb = cached
	}
	return WithDimensions(emb, cfg.Dimensions), nil
}
