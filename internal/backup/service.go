package backup

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service takes scheduled snapshots of a live database and applies the
// retention policy after each one.
type Service struct {
	db        *sql.DB
	dir       string
	interval  time.Duration
	retention RetentionPolicy
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.Mutex // serializes snapshots
	last time.Time
}

// NewService creates a backup service for db. Zero retention tiers take
// the DefaultRetention values.
func NewService(db *sql.DB, cfg Config, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	def := DefaultRetention()
	if cfg.Retention.Hourly == 0 {
		cfg.Retention.Hourly = def.Hourly
	}
	if cfg.Retention.Daily == 0 {
		cfg.Retention.Daily = def.Daily
	}
	if cfg.Retention.Weekly == 0 {
		cfg.Retention.Weekly = def.Weekly
	}
	if cfg.Retention.Monthly == 0 {
		cfg.Retention.Monthly = def.Monthly
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        db,
		dir:       cfg.Dir,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Run takes a snapshot every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("backup service started", zap.Duration("interval", s.interval), zap.String("dir", s.dir))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup service stopped")
			return
		case <-ticker.C:
			if _, err := s.BackupNow(ctx); err != nil {
				s.logger.Error("scheduled backup failed", zap.Error(err))
			}
		}
	}
}

// BackupNow takes a snapshot immediately and prunes old ones.
func (s *Service) BackupNow(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := Snapshot(ctx, s.db, s.dir, s.now())
	if err != nil {
		return nil, err
	}
	s.last = info.CreatedAt

	removed, err := Prune(s.dir, s.retention, s.now())
	if err != nil {
		s.logger.Warn("backup retention incomplete", zap.Error(err))
	}
	s.logger.Info("backup completed",
		zap.String("path", info.Path),
		zap.Int64("size", info.Size),
		zap.Duration("duration", info.Duration),
		zap.Int("pruned", len(removed)))
	return info, nil
}

// LastBackup returns when the last snapshot of this service completed.
func (s *Service) LastBackup() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
