package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OpenAIConfig holds configuration for the OpenAI clients.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default: gpt-4o-mini, or text-embedding-3-small for embeddings
	BaseURL string        // default: https://api.openai.com
	Timeout time.Duration // default: 60s
	Logger  *zap.Logger
}

func (cfg *OpenAIConfig) applyDefaults(model string) {
	if cfg.Model == "" {
		cfg.Model = model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
}

// openAIHTTP is the transport shared by the chat and embedding clients.
type openAIHTTP struct {
	cfg    OpenAIConfig
	client *http.Client
}

func (h *openAIHTTP) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai returned status %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// OpenAIClient implements TextGenerator using the OpenAI chat completions API.
type OpenAIClient struct {
	transport      openAIHTTP
	circuitBreaker *CircuitBreaker
}

// NewOpenAIClient creates a new OpenAI chat client with the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	cfg.applyDefaults("gpt-4o-mini")
	return &OpenAIClient{
		transport: openAIHTTP{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}},
		circuitBreaker: NewCircuitBreakerWithConfig(CircuitBreakerConfig{
			Name:   "openai:" + cfg.Model,
			Logger: cfg.Logger,
		}),
	}
}

// openAIChatRequest is the request body for POST /v1/chat/completions.
type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat *openAIFormat       `json:"response_format,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

// openAIChatResponse is the response body from POST /v1/chat/completions.
type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a single-turn completion to OpenAI and returns the response text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := execute(ctx, c.circuitBreaker, func() (string, error) {
		var respData openAIChatResponse
		err := c.transport.post(ctx, "/v1/chat/completions", openAIChatRequest{
			Model:          c.transport.cfg.Model,
			Messages:       []openAIChatMessage{{Role: "user", Content: prompt}},
			Temperature:    0,
			ResponseFormat: &openAIFormat{Type: "json_object"},
		}, &respData)
		if err != nil {
			return "", err
		}
		if len(respData.Choices) == 0 {
			return "", fmt.Errorf("openai returned no choices")
		}
		return respData.Choices[0].Message.Content, nil
	})
	return out, classify(ErrExtraction, "openai complete", err)
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.transport.cfg.Model
}

// Compile-time assertion.
var _ TextGenerator = (*OpenAIClient)(nil)

// OpenAIEmbeddingClient implements Embedder using the OpenAI embeddings API.
type OpenAIEmbeddingClient struct {
	transport      openAIHTTP
	circuitBreaker *CircuitBreaker
	dimensions     int
}

// NewOpenAIEmbeddingClient creates a new OpenAI embedding client. When
// dimensions is positive the API is asked to shorten vectors to that size.
func NewOpenAIEmbeddingClient(cfg OpenAIConfig, dimensions int) *OpenAIEmbeddingClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.applyDefaults("text-embedding-3-small")
	return &OpenAIEmbeddingClient{
		transport: openAIHTTP{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}},
		circuitBreaker: NewCircuitBreakerWithConfig(CircuitBreakerConfig{
			Name:   "openai:" + cfg.Model,
			Logger: cfg.Logger,
		}),
		dimensions: dimensions,
	}
}

// openAIEmbeddingRequest is the request body for POST /v1/embeddings.
type openAIEmbeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// openAIEmbeddingResponse is the response body from POST /v1/embeddings.
type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding vector for the given text.
func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := execute(ctx, c.circuitBreaker, func() ([]float32, error) {
		var respData openAIEmbeddingResponse
		err := c.transport.post(ctx, "/v1/embeddings", openAIEmbeddingRequest{
			Model:      c.transport.cfg.Model,
			Input:      text,
			Dimensions: c.dimensions,
		}, &respData)
		if err != nil {
			return nil, err
		}
		if len(respData.Data) == 0 || len(respData.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("openai returned empty embedding")
		}

		raw := respData.Data[0].Embedding
		out := make([]float32, len(raw))
		for i, v := range raw {
			out[i] = float32(v)
		}
		return out, nil
	})
	return vec, classify(ErrEmbedding, "openai embed", err)
}

// GetModel returns the configured model name.
func (c *OpenAIEmbeddingClient) GetModel() string {
	return c.transport.cfg.Model
}

// Compile-time assertion.
var _ Embedder = (*OpenAIEmbeddingClient)(nil)
