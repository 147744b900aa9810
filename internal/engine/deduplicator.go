package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/storage"
)

// Deduplicator admits each (thread, turn) pair exactly once across
// concurrent callers and restarts. The check-and-set is a single atomic
// claim on the persisted marker; nothing is remembered in process.
//
// Markers are two-phase. Admit claims the turn, Complete makes the claim
// permanent once processing committed, and Release gives it back after a
// failure so a redelivery can retry. A claim older than the TTL is
// considered abandoned by a crashed worker and may be taken over.
type Deduplicator struct {
	markers  storage.MarkerStore
	claimTTL time.Duration
	opts     options
}

// NewDeduplicator creates a Deduplicator over markers. A zero claimTTL
// means claims never expire.
func NewDeduplicator(markers storage.MarkerStore, claimTTL time.Duration, opts ...Option) *Deduplicator {
	return &Deduplicator{markers: markers, claimTTL: claimTTL, opts: buildOptions(opts)}
}

// Admit returns true exactly once per (threadID, turnID). If the store
// cannot answer, Admit fails with storage.ErrStoreUnavailable and the caller
// must not process the turn.
func (d *Deduplicator) Admit(ctx context.Context, threadID, turnID string) (bool, error) {
	if threadID == "" || turnID == "" {
		return false, fmt.Errorf("%w: thread id and turn id are required", storage.ErrInvalidInput)
	}

	ok, err := d.markers.ClaimMarker(ctx, threadID, turnID, d.opts.now(), d.claimTTL)
	if err != nil {
		d.opts.metrics.ObserveAdmit("error")
		return false, failClosed("admit", err)
	}
	if ok {
		d.opts.metrics.ObserveAdmit("admitted")
	} else {
		d.opts.metrics.ObserveAdmit("discarded")
		d.opts.logger.Debug("turn already claimed",
			zap.String("thread_id", threadID),
			zap.String("turn_id", turnID))
	}
	return ok, nil
}

// Complete marks an admitted turn as fully processed.
func (d *Deduplicator) Complete(ctx context.Context, threadID, turnID string) error {
	if err := d.markers.CompleteMarker(ctx, threadID, turnID, d.opts.now()); err != nil {
		return failClosed("complete marker", err)
	}
	return nil
}

// Release returns an admitted turn so it can be processed again.
func (d *Deduplicator) Release(ctx context.Context, threadID, turnID string) error {
	if err := d.markers.ReleaseMarker(ctx, threadID, turnID); err != nil {
		return failClosed("release marker", err)
	}
	return nil
}

// failClosed makes sure any store failure that is not a caller mistake
// reads as ErrStoreUnavailable.
func failClosed(op string, err error) error {
	if errors.Is(err, storage.ErrStoreUnavailable) ||
		errors.Is(err, storage.ErrInvalidInput) ||
		errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return storage.Unavailable(op, err)
}
