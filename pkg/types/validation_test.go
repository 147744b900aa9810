package types_test

import (
	"testing"

	"github.com/scrypster/mnemo/pkg/types"
)

func TestIsValidRole(t *testing.T) {
	for _, role := range []types.Role{types.RoleUser, types.RoleAssistant} {
		if !types.IsValidRole(role) {
			t.Errorf("IsValidRole(%q) = false, want true", role)
		}
	}

	invalid := []types.Role{
		"",       // empty string
		"USER",   // uppercase
		"system", // not a conversation participant
		" user",  // leading whitespace
	}
	for _, role := range invalid {
		if types.IsValidRole(role) {
			t.Errorf("IsValidRole(%q) = true, want false", role)
		}
	}
}

func TestIsValidMergeHint(t *testing.T) {
	for _, hint := range []types.MergeHint{types.HintNone, types.HintReplace, types.HintAppend} {
		if !types.IsValidMergeHint(hint) {
			t.Errorf("IsValidMergeHint(%q) = false, want true", hint)
		}
	}
	for _, hint := range []types.MergeHint{"merge", "Append", "prepend"} {
		if types.IsValidMergeHint(hint) {
			t.Errorf("IsValidMergeHint(%q) = true, want false", hint)
		}
	}
}
