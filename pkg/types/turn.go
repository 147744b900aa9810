package types

import "time"

// Turn is one message in a conversation. Turns are immutable once received.
type Turn struct {
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	TurnID    string    `json:"turn_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"` // Position of the turn within its thread
}

// TurnBatch is the unit delivered by the inbound trigger: a run of turns
// from a single thread belonging to a single user. Delivery is at-least-once.
type TurnBatch struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Turns    []Turn `json:"turns"`
}

// ProcessedTurnMarker records that a turn was admitted for processing and,
// once Status is MarkerDone, that it was fully processed.
type ProcessedTurnMarker struct {
	ThreadID    string       `json:"thread_id"`
	TurnID      string       `json:"turn_id"`
	Status      MarkerStatus `json:"status"`
	ClaimedAt   time.Time    `json:"claimed_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// IngestResult summarizes what one inbound batch did.
type IngestResult struct {
	ThreadID  string   `json:"thread_id"`
	UserID    string   `json:"user_id"`
	Admitted  []string `json:"admitted"` // Turn IDs processed by this call
	Discarded []string `json:"discarded"` // Turn IDs already claimed or processed

	Schema *ApplyResult `json:"schema,omitempty"`
	Events *IndexResult `json:"events,omitempty"`
}
