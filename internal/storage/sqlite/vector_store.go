package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/mnemo/internal/storage"
)

// Upsert creates or replaces a vector record.
func (s *Store) Upsert(ctx context.Context, namespace, key string, vector []float32, metadata map[string]string) error {
	if err := validateRecord(namespace, key, vector); err != nil {
		return err
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	mdJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", storage.ErrInvalidInput, err)
	}

	now := nanos(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_records (namespace, key, vector, dimension, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, namespace, key, encodeVector(vector), len(vector), string(mdJSON), now, now)
	if err != nil {
		return storage.Unavailable("upsert record", err)
	}
	return nil
}

// Query ranks the namespace's records against vector in Go. Records whose
// dimension differs from the query are skipped.
func (s *Store) Query(ctx context.Context, namespace string, vector []float32, k int, filter storage.Filter) ([]storage.Match, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", storage.ErrInvalidInput)
	}
	if k <= 0 {
		return []storage.Match{}, nil
	}

	where, args := filterClause(namespace, filter)
	args = append(args, len(vector))
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, vector, dimension, metadata, created_at, updated_at
		FROM memory_records
		WHERE `+where+` AND dimension = ?`, args...)
	if err != nil {
		return nil, storage.Unavailable("query records", err)
	}
	defer rows.Close()

	var matches []storage.Match
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, storage.Match{Record: *rec, Score: cosineSimilarity(vector, rec.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("query records", err)
	}

	storage.SortMatches(matches)

	if len(matches) > k {
		matches = matches[:k]
	}
	if matches == nil {
		matches = []storage.Match{}
	}
	return matches, nil
}

// Get retrieves one record.
func (s *Store) Get(ctx context.Context, namespace, key string) (*storage.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT namespace, key, vector, dimension, metadata, created_at, updated_at
		FROM memory_records
		WHERE namespace = ? AND key = ?`, namespace, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %s/%s", storage.ErrNotFound, namespace, key)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List pages through a namespace ordered by creation time, then key.
func (s *Store) List(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.PaginatedResult[storage.Record], error) {
	opts.Normalize()

	where, args := filterClause(namespace, opts.Filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, storage.Unavailable("count records", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, vector, dimension, metadata, created_at, updated_at
		FROM memory_records
		WHERE `+where+`
		ORDER BY created_at ASC, key ASC
		LIMIT ? OFFSET ?`, append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, storage.Unavailable("list records", err)
	}
	defer rows.Close()

	items := make([]storage.Record, 0, opts.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("list records", err)
	}

	return &storage.PaginatedResult[storage.Record]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*storage.Record, error) {
	var (
		rec       storage.Record
		blob      []byte
		dimension int
		mdJSON    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&rec.Namespace, &rec.Key, &blob, &dimension, &mdJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storage.Unavailable("scan record", err)
	}

	vec, err := decodeVector(blob, dimension)
	if err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", rec.Namespace, rec.Key, err)
	}
	rec.Vector = vec

	rec.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(mdJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("record %s/%s: decode metadata: %w", rec.Namespace, rec.Key, err)
	}
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	return &rec, nil
}

// filterClause builds the WHERE clause for a namespace plus metadata
// equality filter. Keys are visited in sorted order so statements are stable.
func filterClause(namespace string, filter storage.Filter) (string, []any) {
	clauses := []string{"namespace = ?"}
	args := []any{namespace}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		clauses = append(clauses, "COALESCE(json_extract(metadata, ?), '') = ?")
		args = append(args, jsonPath(k), filter[k])
	}
	return strings.Join(clauses, " AND "), args
}

func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func validateRecord(namespace, key string, vector []float32) error {
	if namespace == "" {
		return fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	if key == "" {
		return fmt.Errorf("%w: key is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: vector is empty", storage.ErrInvalidInput)
	}
	return nil
}
