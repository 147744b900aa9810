// Package types defines the core data structures for the mnemo memory service.
// These types describe conversation turns, the per-user schema memory (the
// evolving structured profile), episodic event memories, and the results
// returned by ingestion and retrieval.
package types

// Role identifies the author of a conversation turn.
type Role string

// Turn role constants
const (
	// RoleUser marks a turn written by the human participant
	RoleUser Role = "user"

	// RoleAssistant marks a turn written by the agent
	RoleAssistant Role = "assistant"
)

// MergeHint tells the schema reconciler how a patch combines with the
// current value of a field.
type MergeHint string

// Merge hint constants
const (
	// HintNone defers to the field's default hint, which is replace unless
	// the schema descriptor says otherwise
	HintNone MergeHint = ""

	// HintReplace overwrites the current value
	HintReplace MergeHint = "replace"

	// HintAppend adds the value to a list-valued field, skipping exact repeats
	HintAppend MergeHint = "append"
)

// MarkerStatus is the lifecycle state of a ProcessedTurnMarker.
type MarkerStatus string

// Marker status constants
const (
	// MarkerClaimed means a worker admitted the turn and is processing it
	MarkerClaimed MarkerStatus = "claimed"

	// MarkerDone means the turn was fully processed; done markers are permanent
	MarkerDone MarkerStatus = "done"
)

// IsValidRole returns true if role is a known turn role.
func IsValidRole(role Role) bool {
	return role == RoleUser || role == RoleAssistant
}

// IsValidMergeHint returns true if hint is empty or one of the known hints.
func IsValidMergeHint(hint MergeHint) bool {
	switch hint {
	case HintNone, HintReplace, HintAppend:
		return true
	}
	return false
}
