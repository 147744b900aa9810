package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scrypster/mnemo/pkg/types"
)

// defaultSalience is assigned to events the model returned without a score.
const defaultSalience = 0.5

// PatchResponse is one schema update proposed by the model.
type PatchResponse struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	Hint  string `json:"hint,omitempty"`
}

// EventResponse is one episodic memory proposed by the model.
type EventResponse struct {
	Text     string   `json:"text"`
	Topic    string   `json:"topic,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Salience *float64 `json:"salience,omitempty"`
}

// ExtractionResponse is the JSON object the extraction prompt asks for.
type ExtractionResponse struct {
	Patches []PatchResponse `json:"patches"`
	Events  []EventResponse `json:"events"`
}

// extractJSON extracts the first valid JSON object from a string that may contain extra text.
// This handles cases where LLMs add explanations before/after the JSON despite instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text // No JSON found, return as-is and let parser fail
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		// Only count braces outside of strings
		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return text
}

// ParseExtractionResponse parses the model's answer into an ExtractionResult.
//
// Malformed JSON is an ErrExtraction. Individual entries are normalized
// rather than rejected: field names and tags are trimmed, events without
// text are dropped, and salience is clamped to [0, 1]. Patches keep their
// hint verbatim so the reconciler can report an unknown hint as a conflict
// instead of silently guessing.
func ParseExtractionResponse(raw string) (*types.ExtractionResult, error) {
	var resp ExtractionResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("%w: parse extraction response: %w", ErrExtraction, err)
	}

	result := &types.ExtractionResult{
		Patches: make([]types.SchemaPatch, 0, len(resp.Patches)),
		Events:  make([]types.EventCandidate, 0, len(resp.Events)),
	}

	for _, p := range resp.Patches {
		field := strings.TrimSpace(p.Field)
		if field == "" && p.Value == nil {
			continue
		}
		result.Patches = append(result.Patches, types.SchemaPatch{
			Field: field,
			Value: p.Value,
			Hint:  types.MergeHint(strings.ToLower(strings.TrimSpace(p.Hint))),
		})
	}

	for _, e := range resp.Events {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		salience := defaultSalience
		if e.Salience != nil {
			salience = clamp01(*e.Salience)
		}
		result.Events = append(result.Events, types.EventCandidate{
			Text:     text,
			Topic:    strings.TrimSpace(e.Topic),
			Tags:     normalizeTags(e.Tags),
			Salience: salience,
		})
	}

	return result, nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
