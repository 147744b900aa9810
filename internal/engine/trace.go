package engine

import (
	"context"
	"sync"
	"time"
)

// TraceEventKind classifies each trace event by type.
type TraceEventKind string

const (
	// KindRetrievalStarted is emitted at the beginning of a retrieval.
	KindRetrievalStarted TraceEventKind = "retrieval_started"

	// KindCandidatesFound is emitted after the store answered the similarity query.
	KindCandidatesFound TraceEventKind = "candidates_found"

	// KindFilteredOut is emitted for every candidate that was discarded.
	KindFilteredOut TraceEventKind = "filtered_out"

	// KindDegraded is emitted when the event store failed and the schema-only fallback was used.
	KindDegraded TraceEventKind = "degraded"

	// KindResultsReturned is emitted after ranking to record the final set.
	KindResultsReturned TraceEventKind = "results_returned"
)

// TraceEvent is a single structured event emitted during a retrieval.
type TraceEvent struct {
	Kind  TraceEventKind `json:"kind"`
	At    time.Time      `json:"at"`
	Key   string         `json:"key,omitempty"`
	Query string         `json:"query,omitempty"`
	Count int            `json:"count,omitempty"`
	Score float64        `json:"score,omitempty"`

	// Reason explains filtered_out and degraded events.
	Reason string `json:"reason,omitempty"`

	// Keys lists the returned event keys in rank order.
	Keys []string `json:"keys,omitempty"`
}

// contextKey is an unexported type for context keys owned by this package.
type contextKey string

const traceKey contextKey = "retrieval_trace"

// TraceCollector accumulates TraceEvents for one retrieval. It is safe for
// the concurrent fetches of a retrieval to emit into it.
type TraceCollector struct {
	mu        sync.Mutex
	events    []TraceEvent
	startedAt time.Time
}

// NewTraceCollector returns a fresh collector.
func NewTraceCollector() *TraceCollector {
	return &TraceCollector{startedAt: time.Now()}
}

// Emit appends an event to the collector.
func (tc *TraceCollector) Emit(e TraceEvent) {
	tc.mu.Lock()
	tc.events = append(tc.events, e)
	tc.mu.Unlock()
}

// Events returns the collected events in emission order.
func (tc *TraceCollector) Events() []TraceEvent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]TraceEvent(nil), tc.events...)
}

// ElapsedMS returns the elapsed time since the collector was created, in milliseconds.
func (tc *TraceCollector) ElapsedMS() int64 {
	return time.Since(tc.startedAt).Milliseconds()
}

// WithTraceCollector stores a collector in the context.
func WithTraceCollector(ctx context.Context, tc *TraceCollector) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// TraceCollectorFromContext retrieves the collector from the context.
// Returns (nil, false) if none is present.
func TraceCollectorFromContext(ctx context.Context) (*TraceCollector, bool) {
	tc, ok := ctx.Value(traceKey).(*TraceCollector)
	return tc, ok
}

// emitToContext emits an event only when a collector is present in the context.
func emitToContext(ctx context.Context, e TraceEvent) {
	if tc, ok := TraceCollectorFromContext(ctx); ok {
		if e.At.IsZero() {
			e.At = time.Now()
		}
		tc.Emit(e)
	}
}
