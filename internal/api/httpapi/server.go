// Package httpapi exposes the memory engine over HTTP: turn ingestion,
// context retrieval, profile inspection, consolidation and a websocket feed
// of committed changes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/observability"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// Engine is the part of the memory engine the API drives.
type Engine interface {
	Ingest(ctx context.Context, batch types.TurnBatch) (*types.IngestResult, error)
	Enqueue(batch types.TurnBatch) error
	Retrieve(ctx context.Context, userID, query string, k int, opts engine.RetrieveOptions) (*types.RetrievalResult, error)
	Profile(ctx context.Context, userID string) (*types.SchemaMemory, error)
	ProfileHistory(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.SchemaRevision], error)
	Consolidate(ctx context.Context, userID string) (*types.ConsolidationResult, error)
	QueueLength() int
}

// Options configures a Server.
type Options struct {
	// AllowedOrigins are host patterns accepted on the feed websocket in
	// addition to same-origin requests.
	AllowedOrigins []string

	// Health reports whether the backends are reachable. Nil means healthy.
	Health func(ctx context.Context) error

	// Gatherer serves /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine Engine
	feed   *FeedHub
	opts   Options
	logger *zap.Logger
}

// New creates a Server. The feed hub must be running (see FeedHub.Run) for
// websocket clients to receive changes.
func New(eng Engine, feed *FeedHub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{engine: eng, feed: feed, opts: opts, logger: opts.Logger}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(accessLog(s.logger))
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.Handler(s.opts.Gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/threads/{threadID}/turns", s.handleIngest)
		r.Get("/users/{userID}/context", s.handleContext)
		r.Get("/users/{userID}/profile", s.handleProfile)
		r.Get("/users/{userID}/profile/history", s.handleProfileHistory)
		r.Post("/users/{userID}/consolidate", s.handleConsolidate)
		if s.feed != nil {
			r.Get("/feed", s.feed.ServeHTTP)
		}
	})
	return r
}

// HTTPServer wraps the router in an http.Server with read and write timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
