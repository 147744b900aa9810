package types

import "time"

// SchemaPatch is a proposed field-level update to a user's schema memory.
// Value holds a JSON-compatible value: string, float64, bool, []any or
// map[string]any.
type SchemaPatch struct {
	Field string    `json:"field"`
	Value any       `json:"value"`
	Hint  MergeHint `json:"hint,omitempty"`
}

// SchemaMemory is the single evolving structured record kept per
// (user, schema version). It changes only through monotonically increasing
// revisions and is never deleted.
type SchemaMemory struct {
	UserID        string         `json:"user_id"`
	SchemaVersion string         `json:"schema_version"` // Descriptor name and version, e.g. "user_profile@1"
	Fields        map[string]any `json:"fields"`
	Revision      int64          `json:"revision"`
	UpdatedAt     time.Time      `json:"updated_at"`

	// LastBatchKey identifies the extraction batch that produced the
	// current revision. Re-applying the same batch is a no-op.
	LastBatchKey string `json:"last_batch_key,omitempty"`
}

// Clone returns a deep copy so callers can mutate fields without touching
// the stored revision.
func (m *SchemaMemory) Clone() *SchemaMemory {
	if m == nil {
		return nil
	}
	out := *m
	out.Fields = make(map[string]any, len(m.Fields))
	for k, v := range m.Fields {
		out.Fields[k] = cloneValue(v)
	}
	return &out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// SchemaRevision is one entry in the append-only revision history of a
// schema memory.
type SchemaRevision struct {
	UserID        string         `json:"user_id"`
	SchemaVersion string         `json:"schema_version"`
	Revision      int64          `json:"revision"`
	Fields        map[string]any `json:"fields"`
	BatchKey      string         `json:"batch_key,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// SchemaConflict is a warning describing a patch the reconciler skipped
// because it could not be merged without corrupting the record.
type SchemaConflict struct {
	Field  string      `json:"field"`
	Reason string      `json:"reason"`
	Patch  SchemaPatch `json:"patch"`
}

// ApplyResult is the outcome of applying one batch of patches.
type ApplyResult struct {
	Memory    *SchemaMemory    `json:"memory"`
	Applied   int              `json:"applied"`
	Conflicts []SchemaConflict `json:"conflicts,omitempty"`
	Committed bool             `json:"committed"` // False when nothing needed writing
	Attempts  int              `json:"attempts"`
}

// EventCandidate is a proposed free-text episodic memory. Embedding may be
// empty, in which case the indexer embeds Text.
type EventCandidate struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Salience  float64   `json:"salience,omitempty"` // 0.0-1.0
}

// EventMemory is a persisted episodic fact. It is immutable after creation
// apart from reinforcement metadata and the SupersededBy pointer.
type EventMemory struct {
	Key                string     `json:"key"`
	UserID             string     `json:"user_id"`
	Text               string     `json:"text"`
	ContentHash        string     `json:"content_hash"`
	Embedding          []float32  `json:"embedding,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	Topic              string     `json:"topic,omitempty"`
	Salience           float64    `json:"salience"`
	ReinforcementCount int        `json:"reinforcement_count"`
	SourceThreadID     string     `json:"source_thread_id"`
	SourceThreads      []string   `json:"source_threads,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastReinforcedAt   *time.Time `json:"last_reinforced_at,omitempty"`
	SupersededBy       string     `json:"superseded_by,omitempty"`

	// AppliedKeys holds one key per (thread, candidate text) that created
	// or reinforced this memory, so a redelivered candidate is a no-op.
	AppliedKeys []string `json:"-"`
}

// IsSuperseded reports whether the memory was folded into another one.
func (e *EventMemory) IsSuperseded() bool {
	return e.SupersededBy != ""
}

// ExtractionResult is the ephemeral output of the extraction gateway for a
// batch of turns.
type ExtractionResult struct {
	Patches []SchemaPatch    `json:"patches"`
	Events  []EventCandidate `json:"events"`
}

// IndexOutcome says what the indexer did with one candidate.
type IndexOutcome string

// Index outcome constants
const (
	// OutcomeCreated means a new EventMemory was inserted
	OutcomeCreated IndexOutcome = "created"

	// OutcomeReinforced means an existing near-duplicate absorbed the candidate
	OutcomeReinforced IndexOutcome = "reinforced"

	// OutcomeUnchanged means the candidate was a redelivery already recorded
	OutcomeUnchanged IndexOutcome = "unchanged"
)

// IndexedEvent pairs a candidate outcome with the resulting memory.
type IndexedEvent struct {
	Outcome    IndexOutcome `json:"outcome"`
	Similarity float64      `json:"similarity,omitempty"` // Best match score, when one was found
	Memory     EventMemory  `json:"memory"`
}

// IndexResult is the outcome of indexing one batch of candidates.
type IndexResult struct {
	Events []IndexedEvent `json:"events"`
}

// ConsolidationResult reports a near-duplicate sweep over one namespace.
type ConsolidationResult struct {
	UserID     string `json:"user_id"`
	Scanned    int    `json:"scanned"`
	Superseded int    `json:"superseded"`
}
