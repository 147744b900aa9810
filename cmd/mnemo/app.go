package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/config"
	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/observability"
	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/internal/storage/chromem"
	"github.com/scrypster/mnemo/internal/storage/postgres"
	"github.com/scrypster/mnemo/internal/storage/sqlite"
)

// app holds everything a command needs: the engine and the backends it
// must close.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	engine   *engine.MemoryEngine
	sqlite   *sqlite.Store // Nil on the postgres backend
	registry *prometheus.Registry
	ping     func(ctx context.Context) error
	closers  []func() error
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	stores, err := a.openStores()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	descriptor := schema.Default()
	if cfg.Extraction.SchemaPath != "" {
		descriptor, err = schema.Load(cfg.Extraction.SchemaPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load schema descriptor: %w", err)
		}
	}

	extractor, err := llm.NewExtractor(llm.ProviderConfig{
		Provider:          cfg.Extraction.Provider,
		Model:             cfg.Extraction.Model,
		BaseURL:           cfg.Extraction.BaseURL,
		APIKey:            cfg.Extraction.APIKey,
		Timeout:           cfg.Extraction.Timeout,
		RequestsPerSecond: cfg.Extraction.RequestsPerSecond,
		Burst:             cfg.Extraction.Burst,
	}, llm.Windower{MaxTokens: cfg.Extraction.WindowTokens, Overlap: cfg.Extraction.WindowOverlap}, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		ProviderConfig: llm.ProviderConfig{
			Provider:          cfg.Embedding.Provider,
			Model:             cfg.Embedding.Model,
			BaseURL:           cfg.Embedding.BaseURL,
			APIKey:            cfg.Embedding.APIKey,
			Timeout:           cfg.Embedding.Timeout,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
			Burst:             cfg.Embedding.Burst,
		},
		Dimensions:   cfg.Embedding.Dimensions,
		CacheEntries: int64(cfg.Embedding.CacheEntries),
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.engine, err = engine.NewMemoryEngine(stores, embedder, extractor, descriptor, engineConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithMetrics(observability.NewMetrics(a.registry, "mnemo")))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to initialize memory engine: %w", err)
	}
	return a, nil
}

// openStores opens the configured backends. chromem holds events only, so
// markers and schema memory fall back to SQLite under DataPath.
func (a *app) openStores() (engine.Stores, error) {
	switch a.cfg.Storage.Backend {
	case "postgres":
		store, err := postgres.New(a.cfg.Storage.PostgresDSN, a.logger)
		if err != nil {
			return engine.Stores{}, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.ping = store.Ping
		return engine.FromStore(store), nil

	case "sqlite", "chromem":
		store, err := a.openSQLite()
		if err != nil {
			return engine.Stores{}, err
		}
		stores := engine.FromStore(store)
		if a.cfg.Storage.Backend == "chromem" {
			events := chromem.New(a.logger)
			a.closers = append(a.closers, events.Close)
			stores.Events = events
		}
		return stores, nil

	default:
		return engine.Stores{}, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, a.cfg.Storage.Backend)
	}
}

func (a *app) openSQLite() (*sqlite.Store, error) {
	if err := os.MkdirAll(a.cfg.Storage.DataPath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := sqlite.New(filepath.Join(a.cfg.Storage.DataPath, "mnemo.db"), sqlite.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.ping = store.Ping
	a.sqlite = store
	return store, nil
}

// Close releases the backends in reverse open order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func engineConfig(c config.EngineConfig) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ClaimTTL = c.ClaimTTL
	cfg.NearDuplicateThreshold = c.NearDuplicateThreshold
	cfg.SalienceBoost = c.SalienceBoost
	cfg.DefaultTopK = c.DefaultTopK
	cfg.MaxApplyRetries = c.MaxApplyRetries
	cfg.GatewayRetries = c.GatewayRetries
	cfg.NumWorkers = c.NumWorkers
	cfg.QueueSize = c.QueueSize
	cfg.ShutdownTimeout = c.ShutdownTimeout
	return cfg
}
