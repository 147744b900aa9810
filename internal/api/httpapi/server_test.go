package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/observability"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
	"github.com/scrypster/mnemo/pkg/types"
)

type testEnv struct {
	srv *httptest.Server
	eng *engine.MemoryEngine
	hub *FeedHub
	reg *prometheus.Registry
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	cfg := engine.DefaultConfig()
	cfg.NumWorkers = 1
	cfg.QueueSize = 4
	cfg.ShutdownTimeout = 5 * time.Second
	eng, err := engine.NewMemoryEngine(engine.FromStore(store), llm.NewHashEmbedder(64), llm.StaticExtractor{}, nil, cfg,
		engine.WithMetrics(observability.NewMetrics(reg, "mnemo_test")))
	require.NoError(t, err)

	hub := NewFeedHub(nil, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)
	eng.OnChange(hub.Publish)

	opts.Gatherer = reg
	if opts.Health == nil {
		opts.Health = store.Ping
	}
	srv := httptest.NewServer(New(eng, hub, opts).Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, eng: eng, hub: hub, reg: reg}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

type ingestBody struct {
	types.IngestResult
	AdmittedCount  int `json:"admitted_count"`
	DiscardedCount int `json:"discarded_count"`
}

func turnsRequest(userID string, texts ...string) IngestRequest {
	req := IngestRequest{UserID: userID}
	for i, text := range texts {
		req.Turns = append(req.Turns, TurnInput{TurnID: fmt.Sprintf("turn-%d", i), Role: types.RoleUser, Text: text})
	}
	return req
}

func TestIngestAndRetrieve(t *testing.T) {
	env := newTestEnv(t, Options{})

	res := env.post(t, "/v1/threads/t1/turns", turnsRequest("u1", "I live in Seattle and I like hiking"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	ingested := decode[ingestBody](t, res)
	assert.Equal(t, 1, ingested.AdmittedCount)
	assert.Equal(t, "t1", ingested.ThreadID)
	require.NotNil(t, ingested.Schema)
	assert.Equal(t, int64(1), ingested.Schema.Memory.Revision)

	res = env.get(t, "/v1/users/u1/context?q=hiking&k=3&render=true&trace=true")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var ctxBody struct {
		types.RetrievalResult
		Rendered string              `json:"rendered"`
		Trace    []engine.TraceEvent `json:"trace"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&ctxBody))
	assert.Equal(t, "Seattle", ctxBody.Schema.Fields["location"])
	require.Len(t, ctxBody.Events, 1)
	assert.Equal(t, "User likes hiking", ctxBody.Events[0].Event.Text)
	assert.Contains(t, ctxBody.Rendered, "location: Seattle")
	assert.NotEmpty(t, ctxBody.Trace)

	res = env.get(t, "/v1/users/u1/context?q=hiking&format=text")
	require.Equal(t, http.StatusOK, res.StatusCode)
	text, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "<core_memory>"))
}

func TestIngest_RedeliveryIsDiscarded(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := turnsRequest("u1", "My name is Ada")

	require.Equal(t, http.StatusOK, env.post(t, "/v1/threads/t1/turns", req).StatusCode)
	res := env.post(t, "/v1/threads/t1/turns", req)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[ingestBody](t, res)
	assert.Zero(t, body.AdmittedCount)
	assert.Equal(t, 1, body.DiscardedCount)
}

func TestIngest_PlatformThreadMapping(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := turnsRequest("u1", "hello")
	req.Platform = "discord"

	res := env.post(t, "/v1/threads/1234567890/turns", req)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, ThreadUUID("discord", "1234567890"), decode[ingestBody](t, res).ThreadID)
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t, Options{})

	res := env.post(t, "/v1/threads/t1/turns", turnsRequest("", "hi"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	body := decode[ErrorResponse](t, res)
	assert.Equal(t, "invalid_input", body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)

	raw, err := http.Post(env.srv.URL+"/v1/threads/t1/turns", "application/json", strings.NewReader(`{"user_id":`))
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	var envelope map[string]map[string]string
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&envelope))
	assert.Equal(t, "invalid_request", envelope["error"]["code"])
	assert.Contains(t, envelope["error"]["message"], "decode body")

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/v1/users/u1/context?q=x&k=abc").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/v1/users/u1/context?q=x&k=-1").StatusCode)
}

func TestProfileHistoryAndConsolidate(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.post(t, "/v1/threads/t1/turns", turnsRequest("u1", "I live in Seattle")).StatusCode)
	require.Equal(t, http.StatusOK, env.post(t, "/v1/threads/t2/turns", turnsRequest("u1", "I moved to Portland")).StatusCode)

	res := env.get(t, "/v1/users/u1/profile")
	require.Equal(t, http.StatusOK, res.StatusCode)
	profile := decode[types.SchemaMemory](t, res)
	assert.Equal(t, "Portland", profile.Fields["location"])
	assert.Equal(t, int64(2), profile.Revision)

	res = env.get(t, "/v1/users/u1/profile/history?limit=1")
	require.Equal(t, http.StatusOK, res.StatusCode)
	history := decode[struct {
		Revisions []types.SchemaRevision `json:"revisions"`
		Total     int                    `json:"total"`
		HasMore   bool                   `json:"has_more"`
	}](t, res)
	assert.Equal(t, 2, history.Total)
	require.Len(t, history.Revisions, 1)
	assert.Equal(t, int64(2), history.Revisions[0].Revision)
	assert.True(t, history.HasMore)

	res = env.post(t, "/v1/users/u1/consolidate", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "u1", decode[types.ConsolidationResult](t, res).UserID)
}

func TestAsyncIngest(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := turnsRequest("u1", "I work as a carpenter")

	res := env.post(t, "/v1/threads/t1/turns?async=true", req)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "not_started", decode[ErrorResponse](t, res).Error.Code)

	require.NoError(t, env.eng.Start(context.Background()))
	t.Cleanup(func() { _ = env.eng.Shutdown(context.Background()) })

	res = env.post(t, "/v1/threads/t1/turns?async=true", req)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "queued", decode[QueuedResponse](t, res).Status)

	require.Eventually(t, func() bool {
		mem, err := env.eng.Profile(context.Background(), "u1")
		return err == nil && mem.Fields["occupation"] == "carpenter"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRequestIDEcho(t *testing.T) {
	env := newTestEnv(t, Options{})

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/users/u1/profile", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "req-42")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "req-42", res.Header.Get(requestIDHeader))
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))

	res = env.get(t, "/v1/users/u1/profile")
	assert.NotEmpty(t, res.Header.Get(requestIDHeader))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{Health: func(context.Context) error {
		return storage.Unavailable("ping", errors.New("connection refused"))
	}})

	res := env.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	require.Equal(t, http.StatusOK, env.post(t, "/v1/threads/t1/turns", turnsRequest("u1", "My name is Ada")).StatusCode)
	res = env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mnemo_test_")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: thread id", storage.ErrInvalidInput), http.StatusBadRequest},
		{storage.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: user u1", engine.ErrConcurrentUpdateConflict), http.StatusConflict},
		{storage.Unavailable("query", errors.New("boom")), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: extract: %w", llm.ErrExtraction, llm.ErrCircuitOpen), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: embed", llm.ErrGatewayTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: bad dims", llm.ErrEmbedding), http.StatusBadGateway},
		{fmt.Errorf("%w: malformed", llm.ErrExtraction), http.StatusBadGateway},
		{engine.ErrQueueFull, http.StatusTooManyRequests},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, code := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.NotEmpty(t, code)
	}
}

func TestThreadUUID(t *testing.T) {
	a := ThreadUUID("discord", "42")
	assert.Equal(t, a, ThreadUUID("DISCORD", "42"))
	assert.NotEqual(t, a, ThreadUUID("slack", "42"))
	assert.Len(t, a, 36)
}
