// Package storage provides composable storage interfaces for the mnemo system.
//
// The storage layer is split into three small interfaces: a namespaced
// vector store holding event memories, a marker store used to admit each
// conversation turn once, and a revisioned store for per-user schema memory.
// Backends may implement any subset and are composed by the engine.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/mnemo/pkg/types"
)

// VectorStore persists vectors with string metadata, partitioned by
// namespace. Keys are unique per namespace.
type VectorStore interface {
	// Upsert creates or replaces the record stored under (namespace, key).
	// CreatedAt of an existing record is preserved.
	Upsert(ctx context.Context, namespace, key string, vector []float32, metadata map[string]string) error

	// Query returns up to k records of namespace that match filter, ordered
	// by descending cosine similarity to vector.
	Query(ctx context.Context, namespace string, vector []float32, k int, filter Filter) ([]Match, error)

	// Get retrieves one record.
	// Returns ErrNotFound if the record doesn't exist.
	Get(ctx context.Context, namespace, key string) (*Record, error)

	// List pages through the records of a namespace in creation order.
	List(ctx context.Context, namespace string, opts ListOptions) (*PaginatedResult[Record], error)

	// Close releases any resources held by the store.
	Close() error
}

// MarkerStore persists ProcessedTurnMarkers. Claim is the atomic
// check-and-set used for deduplication.
type MarkerStore interface {
	// ClaimMarker inserts a claimed marker for (threadID, turnID) and
	// returns true, or returns false if a marker already exists. A claimed
	// marker older than claimTTL is taken over. Exactly one concurrent
	// caller observes true.
	ClaimMarker(ctx context.Context, threadID, turnID string, now time.Time, claimTTL time.Duration) (bool, error)

	// CompleteMarker flips a claimed marker to done.
	// Returns ErrNotFound if no marker exists.
	CompleteMarker(ctx context.Context, threadID, turnID string, now time.Time) error

	// ReleaseMarker deletes a claimed marker so the turn can be retried.
	// Done markers are never removed.
	ReleaseMarker(ctx context.Context, threadID, turnID string) error

	// GetMarker retrieves a marker.
	// Returns ErrNotFound if the marker doesn't exist.
	GetMarker(ctx context.Context, threadID, turnID string) (*types.ProcessedTurnMarker, error)

	// Close releases any resources held by the store.
	Close() error
}

// SchemaStore persists SchemaMemory records and their revision history.
type SchemaStore interface {
	// GetSchema returns the current revision for (userID, schemaVersion).
	// Returns ErrNotFound if the user has no schema memory yet.
	GetSchema(ctx context.Context, userID, schemaVersion string) (*types.SchemaMemory, error)

	// CompareAndSwapSchema writes mem if the stored revision equals
	// expectedRevision (0 meaning no record). The new revision and its
	// history entry are committed together or not at all.
	// Returns ErrRevisionMismatch if another writer got there first.
	CompareAndSwapSchema(ctx context.Context, mem *types.SchemaMemory, expectedRevision int64, threadID string) error

	// ListSchemaRevisions returns the history of a schema memory, newest first.
	ListSchemaRevisions(ctx context.Context, userID, schemaVersion string, opts ListOptions) (*PaginatedResult[types.SchemaRevision], error)

	// Close releases any resources held by the store.
	Close() error
}

// Store is a backend implementing all three interfaces.
type Store interface {
	VectorStore
	MarkerStore
	SchemaStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
