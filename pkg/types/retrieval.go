package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScoredEvent is an event memory annotated with its similarity to the query.
type ScoredEvent struct {
	Event EventMemory `json:"event"`
	Score float64     `json:"score"`
}

// RetrievalResult is the merged context handed to response generation: the
// user's schema memory (always present) and the ranked event matches.
type RetrievalResult struct {
	UserID      string        `json:"user_id"`
	Query       string        `json:"query"`
	Schema      *SchemaMemory `json:"schema"`
	Events      []ScoredEvent `json:"events"`
	Degraded    bool          `json:"degraded"` // Events omitted because the vector store was unavailable
	RetrievedAt time.Time     `json:"retrieved_at"`
}

// Render formats the result as core and recall memory blocks for prompt
// injection. Schema fields are listed in key order.
func (r *RetrievalResult) Render() string {
	var b strings.Builder

	b.WriteString("<core_memory>\n")
	if r.Schema != nil {
		keys := make([]string, 0, len(r.Schema.Fields))
		for k := range r.Schema.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, renderValue(r.Schema.Fields[k]))
		}
	}
	b.WriteString("</core_memory>\n")

	b.WriteString("<recall_memory>\n")
	for _, ev := range r.Events {
		b.WriteString(ev.Event.Text)
		b.WriteString("\n")
	}
	b.WriteString("</recall_memory>")

	return b.String()
}

func renderValue(v any) string {
	switch tv := v.(type) {
	case []any:
		parts := make([]string, len(tv))
		for i, e := range tv {
			parts[i] = renderValue(e)
		}
		return strings.Join(parts, "; ")
	case string:
		return tv
	default:
		return fmt.Sprint(tv)
	}
}
