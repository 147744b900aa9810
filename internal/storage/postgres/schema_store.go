package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// GetSchema returns the current schema memory revision.
func (s *Store) GetSchema(ctx context.Context, userID, schemaVersion string) (*types.SchemaMemory, error) {
	var (
		mem        types.SchemaMemory
		fieldsJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, schema_version, fields, revision, last_batch_key, updated_at
		FROM schema_memories
		WHERE user_id = $1 AND schema_version = $2
	`, userID, schemaVersion).Scan(&mem.UserID, &mem.SchemaVersion, &fieldsJSON, &mem.Revision, &mem.LastBatchKey, &mem.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schema memory for %s", storage.ErrNotFound, userID)
	}
	if err != nil {
		return nil, storage.Unavailable("get schema", err)
	}

	if err := json.Unmarshal(fieldsJSON, &mem.Fields); err != nil {
		return nil, fmt.Errorf("schema memory for %s: decode fields: %w", userID, err)
	}
	if mem.Fields == nil {
		mem.Fields = map[string]any{}
	}
	return &mem, nil
}

// CompareAndSwapSchema writes the next revision and its history row in one
// transaction.
func (s *Store) CompareAndSwapSchema(ctx context.Context, mem *types.SchemaMemory, expectedRevision int64, threadID string) error {
	if mem == nil || mem.UserID == "" || mem.SchemaVersion == "" {
		return fmt.Errorf("%w: user and schema version are required", storage.ErrInvalidInput)
	}
	if mem.Revision != expectedRevision+1 {
		return fmt.Errorf("%w: revision %d does not follow %d", storage.ErrInvalidInput, mem.Revision, expectedRevision)
	}

	fieldsJSON, err := json.Marshal(mem.Fields)
	if err != nil {
		return fmt.Errorf("%w: fields: %v", storage.ErrInvalidInput, err)
	}
	updatedAt := mem.UpdatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Unavailable("begin schema write", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var res sql.Result
	if expectedRevision == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO schema_memories (user_id, schema_version, fields, revision, last_batch_key, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, schema_version) DO NOTHING
		`, mem.UserID, mem.SchemaVersion, string(fieldsJSON), mem.Revision, mem.LastBatchKey, updatedAt)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE schema_memories
			SET fields = $1, revision = $2, last_batch_key = $3, updated_at = $4
			WHERE user_id = $5 AND schema_version = $6 AND revision = $7
		`, string(fieldsJSON), mem.Revision, mem.LastBatchKey, updatedAt, mem.UserID, mem.SchemaVersion, expectedRevision)
	}
	if err != nil {
		return storage.Unavailable("write schema", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storage.Unavailable("write schema", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expected revision %d", storage.ErrRevisionMismatch, mem.UserID, expectedRevision)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_revisions (user_id, schema_version, revision, fields, batch_key, thread_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, mem.UserID, mem.SchemaVersion, mem.Revision, string(fieldsJSON), mem.LastBatchKey, threadID, updatedAt); err != nil {
		return storage.Unavailable("write schema history", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Unavailable("commit schema write", err)
	}
	return nil
}

// ListSchemaRevisions returns revision history, newest first.
func (s *Store) ListSchemaRevisions(ctx context.Context, userID, schemaVersion string, opts storage.ListOptions) (*storage.PaginatedResult[types.SchemaRevision], error) {
	opts.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM schema_revisions WHERE user_id = $1 AND schema_version = $2
	`, userID, schemaVersion).Scan(&total); err != nil {
		return nil, storage.Unavailable("count schema revisions", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, schema_version, revision, fields, batch_key, thread_id, created_at
		FROM schema_revisions
		WHERE user_id = $1 AND schema_version = $2
		ORDER BY revision DESC
		LIMIT $3 OFFSET $4
	`, userID, schemaVersion, opts.Limit, opts.Offset())
	if err != nil {
		return nil, storage.Unavailable("list schema revisions", err)
	}
	defer rows.Close()

	items := make([]types.SchemaRevision, 0)
	for rows.Next() {
		var (
			rev        types.SchemaRevision
			fieldsJSON []byte
		)
		if err := rows.Scan(&rev.UserID, &rev.SchemaVersion, &rev.Revision, &fieldsJSON, &rev.BatchKey, &rev.ThreadID, &rev.CreatedAt); err != nil {
			return nil, storage.Unavailable("scan schema revision", err)
		}
		if err := json.Unmarshal(fieldsJSON, &rev.Fields); err != nil {
			return nil, fmt.Errorf("schema revision %d: decode fields: %w", rev.Revision, err)
		}
		items = append(items, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("list schema revisions", err)
	}

	return &storage.PaginatedResult[types.SchemaRevision]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}
