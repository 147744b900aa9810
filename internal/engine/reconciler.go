package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// Batch identifies the extraction batch a set of patches came from.
type Batch struct {
	// Key is the idempotency key of the batch. Applying a batch whose key
	// matches the stored record's LastBatchKey is a no-op.
	Key string

	// ThreadID is recorded in the revision history.
	ThreadID string
}

// Reconciler maintains one evolving SchemaMemory per user. All patches of a
// batch commit as a single revision via compare-and-swap on the revision the
// batch was merged against; a lost race reloads and merges again.
type Reconciler struct {
	store      storage.SchemaStore
	descriptor *schema.Descriptor
	maxRetries int
	opts       options
}

// NewReconciler creates a Reconciler writing records of descriptor to store.
func NewReconciler(store storage.SchemaStore, descriptor *schema.Descriptor, maxRetries int, opts ...Option) *Reconciler {
	return &Reconciler{store: store, descriptor: descriptor, maxRetries: maxRetries, opts: buildOptions(opts)}
}

// Current returns the user's schema memory, or an empty record at revision
// 0 when none exists yet.
func (r *Reconciler) Current(ctx context.Context, userID string) (*types.SchemaMemory, error) {
	mem, err := r.store.GetSchema(ctx, userID, r.descriptor.ID())
	if errors.Is(err, storage.ErrNotFound) {
		return &types.SchemaMemory{
			UserID:        userID,
			SchemaVersion: r.descriptor.ID(),
			Fields:        map[string]any{},
		}, nil
	}
	if err != nil {
		return nil, failClosed("get schema", err)
	}
	if mem.Fields == nil {
		mem.Fields = map[string]any{}
	}
	return mem, nil
}

// Apply merges patches into the user's schema memory as one revision.
// Unmergeable patches are skipped and reported as conflicts. A batch that
// changes nothing writes nothing.
func (r *Reconciler) Apply(ctx context.Context, userID string, patches []types.SchemaPatch, batch Batch) (*types.ApplyResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}

	for attempt := 1; attempt <= r.maxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := r.Current(ctx, userID)
		if err != nil {
			return nil, err
		}
		if batch.Key != "" && current.LastBatchKey == batch.Key {
			r.opts.logger.Info("schema batch already applied",
				zap.String("user_id", userID),
				zap.String("batch_key", batch.Key),
				zap.Int64("revision", current.Revision))
			return &types.ApplyResult{Memory: current, Attempts: attempt}, nil
		}

		next := current.Clone()
		result := &types.ApplyResult{Memory: current, Attempts: attempt}
		changed := false
		for _, p := range patches {
			ok, reason := mergePatch(next.Fields, r.descriptor, p)
			if reason != "" {
				result.Conflicts = append(result.Conflicts, types.SchemaConflict{Field: p.Field, Reason: reason, Patch: p})
				continue
			}
			result.Applied++
			changed = changed || ok
		}
		if attempt == 1 {
			r.logConflicts(userID, result.Conflicts)
		}
		if !changed {
			r.opts.metrics.ObserveConflicts(len(result.Conflicts))
			return result, nil
		}

		next.Revision = current.Revision + 1
		next.UpdatedAt = r.opts.now().UTC()
		next.LastBatchKey = batch.Key

		err = r.store.CompareAndSwapSchema(ctx, next, current.Revision, batch.ThreadID)
		if errors.Is(err, storage.ErrRevisionMismatch) {
			r.opts.metrics.ObserveApplyRetry()
			r.opts.logger.Debug("schema revision race lost, retrying",
				zap.String("user_id", userID),
				zap.Int64("expected_revision", current.Revision),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, failClosed("write schema", err)
		}

		r.opts.metrics.ObserveRevision(len(result.Conflicts))
		r.opts.logger.Info("schema memory revised",
			zap.String("user_id", userID),
			zap.Int64("revision", next.Revision),
			zap.Int("applied", result.Applied),
			zap.Int("conflicts", len(result.Conflicts)))
		r.opts.notify(Change{
			Kind:     ChangeSchemaRevised,
			UserID:   userID,
			ThreadID: batch.ThreadID,
			Revision: next.Revision,
			At:       next.UpdatedAt,
		})

		result.Memory = next
		result.Committed = true
		return result, nil
	}

	return nil, fmt.Errorf("%w: user %s after %d attempts", ErrConcurrentUpdateConflict, userID, r.maxRetries+1)
}

// History returns past revisions of the user's schema memory, newest first.
func (r *Reconciler) History(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.SchemaRevision], error) {
	page, err := r.store.ListSchemaRevisions(ctx, userID, r.descriptor.ID(), opts)
	if err != nil {
		return nil, failClosed("list schema revisions", err)
	}
	return page, nil
}

func (r *Reconciler) logConflicts(userID string, conflicts []types.SchemaConflict) {
	for _, c := range conflicts {
		r.opts.logger.Warn("schema patch skipped",
			zap.String("user_id", userID),
			zap.String("field", c.Field),
			zap.String("reason", c.Reason))
	}
}
