// Package engine provides the memory reconciliation and retrieval engine.
// It admits each conversation turn once, merges extracted facts into the
// user's schema memory, indexes episodic facts as event memories with
// near-duplicate folding, and ranks both stores into one context payload at
// query time. An optional worker pool ingests batches asynchronously.
package engine

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/observability"
)

// ErrConcurrentUpdateConflict is returned when a schema write kept losing
// the revision race. The whole batch is safe to retry.
var ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")

// ErrNotStarted is returned by Enqueue before Start or after Shutdown.
var ErrNotStarted = errors.New("engine not started")

// ErrQueueFull is returned by Enqueue when the async ingest queue has no room.
var ErrQueueFull = errors.New("ingest queue full")

// Config holds configuration for the memory engine.
type Config struct {
	// ClaimTTL is how long a claimed turn marker blocks other admits before
	// it may be taken over (default: 5m).
	ClaimTTL time.Duration

	// GatewayRetries bounds retries of a failed embedding or extraction
	// call within one operation (default: 1).
	GatewayRetries int

	// MaxApplyRetries bounds schema write retries after a revision
	// mismatch (default: 3).
	MaxApplyRetries int

	// NearDuplicateThreshold is the cosine similarity at or above which a
	// candidate reinforces an existing event memory (default: 0.95).
	NearDuplicateThreshold float64

	// SalienceBoost is added to an event's salience on reinforcement (default: 0.1).
	SalienceBoost float64

	// DedupCandidates is how many nearest events the indexer considers (default: 5).
	DedupCandidates int

	// DefaultTopK is used when a retrieval asks for k == 0 (default: 5).
	DefaultTopK int

	// OverFetch extra rows are requested from the store so ties at the
	// k boundary are broken by the ranker (default: 4).
	OverFetch int

	// NumWorkers is the number of async ingest workers (default: 4).
	NumWorkers int

	// QueueSize is the size of the async ingest queue buffer (default: 1000).
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for workers to drain on shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// MaxRetries is the maximum number of async ingest attempts after the first (default: 3).
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ClaimTTL:               5 * time.Minute,
		GatewayRetries:         1,
		MaxApplyRetries:        3,
		NearDuplicateThreshold: 0.95,
		SalienceBoost:          0.1,
		DedupCandidates:        5,
		DefaultTopK:            5,
		OverFetch:              4,
		NumWorkers:             4,
		QueueSize:              1000,
		ShutdownTimeout:        30 * time.Second,
		MaxRetries:             3,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.ClaimTTL < 0 {
		return fmt.Errorf("ClaimTTL must be >= 0, got %v", c.ClaimTTL)
	}
	if c.GatewayRetries < 0 {
		return fmt.Errorf("GatewayRetries must be >= 0, got %d", c.GatewayRetries)
	}
	if c.MaxApplyRetries < 0 {
		return fmt.Errorf("MaxApplyRetries must be >= 0, got %d", c.MaxApplyRetries)
	}
	if c.NearDuplicateThreshold <= 0 || c.NearDuplicateThreshold > 1 {
		return fmt.Errorf("NearDuplicateThreshold must be in (0, 1], got %v", c.NearDuplicateThreshold)
	}
	if c.SalienceBoost < 0 || c.SalienceBoost > 1 {
		return fmt.Errorf("SalienceBoost must be in [0, 1], got %v", c.SalienceBoost)
	}
	if c.DedupCandidates < 1 {
		return fmt.Errorf("DedupCandidates must be >= 1, got %d", c.DedupCandidates)
	}
	if c.DefaultTopK < 1 {
		return fmt.Errorf("DefaultTopK must be >= 1, got %d", c.DefaultTopK)
	}
	if c.OverFetch < 0 {
		return fmt.Errorf("OverFetch must be >= 0, got %d", c.OverFetch)
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

// ChangeKind classifies change notifications.
type ChangeKind string

// Change kinds published on the change feed.
const (
	ChangeSchemaRevised   ChangeKind = "schema.revised"
	ChangeEventCreated    ChangeKind = "event.created"
	ChangeEventReinforced ChangeKind = "event.reinforced"
	ChangeEventSuperseded ChangeKind = "event.superseded"
)

// Change describes one committed mutation of a user's memory.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	UserID   string     `json:"user_id"`
	ThreadID string     `json:"thread_id,omitempty"`
	Key      string     `json:"key,omitempty"`      // Event key for event changes
	Revision int64      `json:"revision,omitempty"` // New revision for schema changes
	At       time.Time  `json:"at"`
}

// Option configures the engine and its components.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	notify  func(Change)
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the Prometheus instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithNotifier receives every committed Change.
func WithNotifier(fn func(Change)) Option {
	return func(o *options) { o.notify = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		now:    time.Now,
		notify: func(Change) {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.notify == nil {
		o.notify = func(Change) {}
	}
	return o
}
