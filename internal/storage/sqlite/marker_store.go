package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// ClaimMarker inserts a claimed marker in a single statement. The upsert
// only touches an existing row when it is a claim older than claimTTL, so
// a done marker or a live claim leaves zero rows affected.
func (s *Store) ClaimMarker(ctx context.Context, threadID, turnID string, now time.Time, claimTTL time.Duration) (bool, error) {
	if threadID == "" || turnID == "" {
		return false, fmt.Errorf("%w: thread and turn id are required", storage.ErrInvalidInput)
	}

	cutoff := int64(math.MinInt64)
	if claimTTL > 0 {
		cutoff = nanos(now.Add(-claimTTL))
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_turns (thread_id, turn_id, status, claimed_at)
		VALUES (?, ?, 'claimed', ?)
		ON CONFLICT(thread_id, turn_id) DO UPDATE SET claimed_at = excluded.claimed_at
		WHERE processed_turns.status = 'claimed' AND processed_turns.claimed_at < ?
	`, threadID, turnID, nanos(now), cutoff)
	if err != nil {
		return false, storage.Unavailable("claim marker", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Unavailable("claim marker", err)
	}
	return n == 1, nil
}

// CompleteMarker marks a turn as fully processed.
func (s *Store) CompleteMarker(ctx context.Context, threadID, turnID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processed_turns SET status = 'done', completed_at = ?
		WHERE thread_id = ? AND turn_id = ?
	`, nanos(now), threadID, turnID)
	if err != nil {
		return storage.Unavailable("complete marker", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storage.Unavailable("complete marker", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: marker %s/%s", storage.ErrNotFound, threadID, turnID)
	}
	return nil
}

// ReleaseMarker removes a claimed marker. Releasing a done or missing
// marker is a no-op.
func (s *Store) ReleaseMarker(ctx context.Context, threadID, turnID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_turns
		WHERE thread_id = ? AND turn_id = ? AND status = 'claimed'
	`, threadID, turnID)
	if err != nil {
		return storage.Unavailable("release marker", err)
	}
	return nil
}

// GetMarker retrieves a marker.
func (s *Store) GetMarker(ctx context.Context, threadID, turnID string) (*types.ProcessedTurnMarker, error) {
	var (
		m           types.ProcessedTurnMarker
		status      string
		claimedAt   int64
		completedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, turn_id, status, claimed_at, completed_at
		FROM processed_turns
		WHERE thread_id = ? AND turn_id = ?
	`, threadID, turnID).Scan(&m.ThreadID, &m.TurnID, &status, &claimedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: marker %s/%s", storage.ErrNotFound, threadID, turnID)
	}
	if err != nil {
		return nil, storage.Unavailable("get marker", err)
	}

	m.Status = types.MarkerStatus(status)
	m.ClaimedAt = fromNanos(claimedAt)
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		m.CompletedAt = &t
	}
	return &m, nil
}
