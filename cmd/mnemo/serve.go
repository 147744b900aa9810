package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/api/httpapi"
	"github.com/scrypster/mnemo/internal/backup"
	"github.com/scrypster/mnemo/internal/notify"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the async ingest workers and the change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	a, err := newApp(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Error("failed to close storage", zap.Error(err))
		}
	}()

	if c.cfg.Storage.BackupInterval > 0 && a.sqlite != nil {
		svc, err := backup.NewService(a.sqlite.DB(), backup.Config{
			Dir:      c.cfg.Storage.BackupPath(),
			Interval: c.cfg.Storage.BackupInterval,
		}, c.logger)
		if err != nil {
			return fmt.Errorf("failed to start backup service: %w", err)
		}
		go svc.Run(ctx)
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory engine: %w", err)
	}

	hub := httpapi.NewFeedHub(c.cfg.Server.AllowedOrigins, c.logger)
	go hub.Run()
	a.engine.OnChange(hub.Publish)

	// Changes committed by one-shot commands against the same data directory.
	watcher := notify.NewWatcher(c.cfg.Storage.DataPath, hub.Publish, c.logger)
	if err := watcher.Start(); err != nil {
		c.logger.Warn("change watcher disabled", zap.Error(err))
	}
	defer watcher.Stop()

	api := httpapi.New(a.engine, hub, httpapi.Options{
		AllowedOrigins: c.cfg.Server.AllowedOrigins,
		Health:         a.ping,
		Gatherer:       a.registry,
		Logger:         c.logger,
	})
	addr := net.JoinHostPort(c.cfg.Server.Host, strconv.Itoa(c.cfg.Server.Port))
	srv := api.HTTPServer(addr)

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("mnemo listening",
			zap.String("addr", addr),
			zap.String("storage", c.cfg.Storage.Backend),
			zap.String("extraction", c.cfg.Extraction.Provider),
			zap.String("embedding", c.cfg.Embedding.Provider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			hub.Stop()
			_ = a.engine.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	c.logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Engine.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests before draining the workers they feed.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	hub.Stop()
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("error shutting down memory engine", zap.Error(err))
		return err
	}
	return nil
}
