package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// TurnInput is one turn of an ingest request.
type TurnInput struct {
	TurnID    string     `json:"turn_id"`
	Role      types.Role `json:"role"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
	Sequence  *int64     `json:"sequence,omitempty"` // Defaults to the position in the request
}

// IngestRequest is the body of POST /v1/threads/{threadID}/turns.
type IngestRequest struct {
	UserID string `json:"user_id"`

	// Platform, when set, maps the path thread id to a stable UUID scoped
	// to the chat platform (see ThreadUUID).
	Platform string `json:"platform,omitempty"`

	Turns []TurnInput `json:"turns"`
}

// IngestResponse reports a synchronous ingest.
type IngestResponse struct {
	*types.IngestResult
	AdmittedCount  int `json:"admitted_count"`
	DiscardedCount int `json:"discarded_count"`
}

// QueuedResponse reports an async ingest.
type QueuedResponse struct {
	Status   string `json:"status"`
	ThreadID string `json:"thread_id"`
	Turns    int    `json:"turns"`
}

// ContextResponse is a retrieval result, optionally with its trace and a
// prompt-ready rendering.
type ContextResponse struct {
	*types.RetrievalResult
	Rendered  string              `json:"rendered,omitempty"`
	Trace     []engine.TraceEvent `json:"trace,omitempty"`
	ElapsedMS int64               `json:"elapsed_ms,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":       "ok",
		"queue_length": s.engine.QueueLength(),
	}
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			status["status"] = "unavailable"
			status["error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(chi.URLParam(r, "threadID"))
	var req IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Platform != "" {
		threadID = ThreadUUID(req.Platform, threadID)
	}

	batch := types.TurnBatch{ThreadID: threadID, UserID: strings.TrimSpace(req.UserID)}
	for i, t := range req.Turns {
		seq := int64(i)
		if t.Sequence != nil {
			seq = *t.Sequence
		}
		batch.Turns = append(batch.Turns, types.Turn{
			ThreadID:  threadID,
			UserID:    batch.UserID,
			TurnID:    t.TurnID,
			Role:      t.Role,
			Text:      t.Text,
			Timestamp: t.Timestamp,
			Sequence:  seq,
		})
	}

	if queryBool(r, "async") {
		if err := s.engine.Enqueue(batch); err != nil {
			s.respondEngineError(w, r, "enqueue", err)
			return
		}
		respondJSON(w, http.StatusAccepted, QueuedResponse{Status: "queued", ThreadID: threadID, Turns: len(batch.Turns)})
		return
	}

	result, err := s.engine.Ingest(r.Context(), batch)
	if err != nil {
		s.respondEngineError(w, r, "ingest", err)
		return
	}
	respondJSON(w, http.StatusOK, IngestResponse{
		IngestResult:   result,
		AdmittedCount:  len(result.Admitted),
		DiscardedCount: len(result.Discarded),
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()

	k := 0
	if raw := q.Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_k", err)
			return
		}
		k = n
	}

	ctx := r.Context()
	var tc *engine.TraceCollector
	if queryBool(r, "trace") {
		tc = engine.NewTraceCollector()
		ctx = engine.WithTraceCollector(ctx, tc)
	}

	result, err := s.engine.Retrieve(ctx, userID, q.Get("q"), k, engine.RetrieveOptions{AllowDegraded: queryBool(r, "degraded")})
	if err != nil {
		s.respondEngineError(w, r, "retrieve", err)
		return
	}

	if q.Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(result.Render()))
		return
	}

	resp := ContextResponse{RetrievalResult: result}
	if queryBool(r, "render") {
		resp.Rendered = result.Render()
	}
	if tc != nil {
		resp.Trace = tc.Events()
		resp.ElapsedMS = tc.ElapsedMS()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	mem, err := s.engine.Profile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondEngineError(w, r, "profile", err)
		return
	}
	respondJSON(w, http.StatusOK, mem)
}

func (s *Server) handleProfileHistory(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Page:  queryInt(r, "page", 1),
		Limit: queryInt(r, "limit", 20),
	}
	page, err := s.engine.ProfileHistory(r.Context(), chi.URLParam(r, "userID"), opts)
	if err != nil {
		s.respondEngineError(w, r, "profile history", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"revisions": page.Items,
		"total":     page.Total,
		"page":      page.Page,
		"page_size": page.PageSize,
		"has_more":  page.HasMore,
	})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Consolidate(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondEngineError(w, r, "consolidate", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) respondEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("op", op),
			zap.String("path", r.URL.Path),
			zap.String("request_id", w.Header().Get(requestIDHeader)),
			zap.Error(err))
	}
	respondError(w, status, code, err)
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func queryInt(r *http.Request, key string, fallback int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && n > 0 {
		return n
	}
	return fallback
}
