package engine

import (
	"encoding/json"
	"fmt"

	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/pkg/types"
)

// mergePatch applies p to fields in place. It returns whether fields
// changed, or a non-empty reason when the patch cannot be merged and must be
// reported as a SchemaConflict. fields is untouched on conflict.
func mergePatch(fields map[string]any, descriptor *schema.Descriptor, p types.SchemaPatch) (bool, string) {
	if p.Field == "" {
		return false, "empty field name"
	}
	if p.Value == nil {
		return false, "nil value"
	}
	if !types.IsValidMergeHint(p.Hint) {
		return false, fmt.Sprintf("unknown merge hint %q", p.Hint)
	}

	value := normalizeValue(p.Value)
	existing, present := fields[p.Field]
	field, known := descriptor.Field(p.Field)

	hint := p.Hint
	if hint == types.HintNone {
		if !known {
			if present && schema.KindOf(existing) != schema.KindOf(value) {
				return false, fmt.Sprintf("unknown field with no merge hint: stored %s, got %s", schema.KindOf(existing), schema.KindOf(value))
			}
			hint = types.HintReplace
		} else {
			hint = descriptor.DefaultHint(p.Field)
		}
	}

	var next any
	switch hint {
	case types.HintReplace:
		if known && field.Kind == schema.KindList {
			if _, isList := value.([]any); !isList {
				value = []any{value}
			}
		}
		if known && !field.Kind.Accepts(value) {
			return false, fmt.Sprintf("field holds %s, got %s", field.Kind, schema.KindOf(value))
		}
		next = value

	case types.HintAppend:
		if known && field.Kind != schema.KindList && field.Kind != schema.KindAny {
			return false, fmt.Sprintf("cannot append to %s field", field.Kind)
		}
		var list []any
		if present {
			l, ok := existing.([]any)
			if !ok {
				return false, fmt.Sprintf("cannot append to stored %s value", schema.KindOf(existing))
			}
			list = append(list, l...)
		}
		items, isList := value.([]any)
		if !isList {
			items = []any{value}
		}
		for _, item := range items {
			if !containsValue(list, item) {
				list = append(list, item)
			}
		}
		next = list
	}

	if present && canonical(existing) == canonical(next) {
		return false, ""
	}
	fields[p.Field] = next
	return true, ""
}

// normalizeValue converts Go values to the shapes a JSON round trip
// produces, so stored and incoming values compare equal.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func containsValue(list []any, v any) bool {
	c := canonical(v)
	for _, item := range list {
		if canonical(item) == c {
			return true
		}
	}
	return false
}

// canonical renders v as JSON with sorted map keys.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
