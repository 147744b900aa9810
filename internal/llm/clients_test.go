package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: `{"patches":[]}`, Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "test-model"})
	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"patches":[]}`, out)
	assert.Equal(t, "test-model", c.GetModel())
}

func TestOllamaClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	vec, err := NewOllamaClient(OllamaConfig{BaseURL: srv.URL}).Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaClient_ErrorKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrEmbedding)
	_, err = c.Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestOllamaClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrGatewayTimeout)
}

func TestOllamaClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/version" {
			_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	assert.NoError(t, NewOllamaClient(OllamaConfig{BaseURL: srv.URL}).HealthCheck(context.Background()))
}

func TestOllamaClient_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	for i := 0; i < 3; i++ {
		_, err := c.Embed(context.Background(), "text")
		assert.Error(t, err)
	}
	_, err := c.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrEmbedding)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		if assert.NotNil(t, req.ResponseFormat) {
			assert.Equal(t, "json_object", req.ResponseFormat.Type)
		}

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"events\":[]}"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"events":[]}`, out)
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}).Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestOpenAIEmbeddingClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req openAIEmbeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Dimensions)
		assert.Equal(t, "text-embedding-3-small", req.Model)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,0.25,0.125]}]}`))
	}))
	defer srv.Close()

	vec, err := NewOpenAIEmbeddingClient(OpenAIConfig{BaseURL: srv.URL}, 3).Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, 0.125}, vec)
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-haiku-4-5", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_test",
			"type": "message",
			"role": "assistant",
			"model": "claude-haiku-4-5",
			"content": [{"type": "text", "text": "{\"patches\":[],"}, {"type": "text", "text": "\"events\":[]}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"patches":[],"events":[]}`, out)
	assert.Equal(t, "claude-haiku-4-5", c.GetModel())
}

func TestAnthropicClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}).Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestNewEmbedder(t *testing.T) {
	emb, err := NewEmbedder(EmbedderConfig{ProviderConfig: ProviderConfig{Provider: ProviderHash}, Dimensions: 64, CacheEntries: 10}, nil)
	require.NoError(t, err)
	defer emb.Close()

	vec, err := emb.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 64)

	_, err = NewEmbedder(EmbedderConfig{ProviderConfig: ProviderConfig{Provider: ProviderAnthropic}, Dimensions: 64}, nil)
	assert.Error(t, err)
	_, err = NewEmbedder(EmbedderConfig{ProviderConfig: ProviderConfig{Provider: ProviderHash}}, nil)
	assert.Error(t, err)
}

func TestNewExtractor(t *testing.T) {
	ext, err := NewExtractor(ProviderConfig{Provider: ProviderStatic}, Windower{}, nil)
	require.NoError(t, err)
	assert.IsType(t, StaticExtractor{}, ext)

	ext, err = NewExtractor(ProviderConfig{Provider: ProviderOllama, RequestsPerSecond: 5}, Windower{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LLMExtractor{}, ext)

	_, err = NewExtractor(ProviderConfig{Provider: "bard"}, Windower{}, nil)
	assert.Error(t, err)
}
