package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// extractionSystemPrompt pins the model to JSON-only answers.
const extractionSystemPrompt = "You extract durable memories from conversations. Reply with a single JSON object and nothing else."

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string        // default: claude-haiku-4-5
	BaseURL   string        // default: the SDK's endpoint
	MaxTokens int64         // default: 2048
	Timeout   time.Duration // default: 60s
	Logger    *zap.Logger
}

// AnthropicClient implements TextGenerator using the Anthropic Messages API
// through the official SDK.
type AnthropicClient struct {
	cfg            AnthropicConfig
	client         anthropic.Client
	circuitBreaker *CircuitBreaker
}

// NewAnthropicClient creates a new Anthropic client with the given configuration.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0), // retries are owned by the ingest pipeline
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
		circuitBreaker: NewCircuitBreakerWithConfig(CircuitBreakerConfig{
			Name:   "anthropic:" + cfg.Model,
			Logger: cfg.Logger,
		}),
	}
}

// Complete sends a single-turn message to Anthropic and returns the text
// blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := execute(ctx, c.circuitBreaker, func() (string, error) {
		resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.cfg.Model),
			MaxTokens: c.cfg.MaxTokens,
			System: []anthropic.TextBlockParam{
				{Text: extractionSystemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("anthropic api error: %w", err)
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return "", fmt.Errorf("anthropic returned empty content")
		}
		return text.String(), nil
	})
	return out, classify(ErrExtraction, "anthropic complete", err)
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.cfg.Model
}

// Compile-time assertion.
var _ TextGenerator = (*AnthropicClient)(nil)
