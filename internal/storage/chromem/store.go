// Package chromem provides an in-process, non-persistent VectorStore backed
// by chromem-go. Each namespace gets its own collection per vector
// dimension, so queries never compare vectors of different sizes.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/storage"
)

// Store implements storage.VectorStore on top of chromem-go.
//
// chromem normalizes vectors on insert and has no listing API, so the store
// keeps its own copy of every record for Get and List. The chromem
// collections answer similarity queries.
type Store struct {
	db     *chromem.DB
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	records     map[string]map[string]storage.Record // namespace -> key -> record
	closed      bool
}

// Compile-time interface check.
var _ storage.VectorStore = (*Store)(nil)

// New creates an empty chromem-backed store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:          chromem.NewDB(),
		logger:      logger,
		now:         time.Now,
		collections: make(map[string]*chromem.Collection),
		records:     make(map[string]map[string]storage.Record),
	}
}

func collectionName(namespace string, dimension int) string {
	return fmt.Sprintf("ns_%s_d%d", namespace, dimension)
}

// collection returns the collection for (namespace, dimension). Callers
// hold s.mu.
func (s *Store) collection(namespace string, dimension int, create bool) (*chromem.Collection, error) {
	name := collectionName(namespace, dimension)
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	if !create {
		return nil, nil
	}

	// nil embedding func: vectors are always supplied by the caller.
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, storage.Unavailable("create collection", err)
	}
	s.collections[name] = col
	return col, nil
}

// Upsert creates or replaces a record. A key cannot change dimension.
func (s *Store) Upsert(ctx context.Context, namespace, key string, vector []float32, metadata map[string]string) error {
	switch {
	case namespace == "":
		return fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	case key == "":
		return fmt.Errorf("%w: key is required", storage.ErrInvalidInput)
	case len(vector) == 0:
		return fmt.Errorf("%w: vector is empty", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Unavailable("upsert record", errClosed)
	}

	now := s.now().UTC()
	rec := storage.Record{
		Namespace: namespace,
		Key:       key,
		Vector:    append([]float32(nil), vector...),
		Metadata:  copyMetadata(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, ok := s.records[namespace][key]; ok {
		if len(prev.Vector) != len(vector) {
			return fmt.Errorf("%w: record %s/%s has dimension %d, got %d", storage.ErrInvalidInput, namespace, key, len(prev.Vector), len(vector))
		}
		rec.CreatedAt = prev.CreatedAt
	}

	col, err := s.collection(namespace, len(vector), true)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        key,
		Embedding: append([]float32(nil), vector...),
		Metadata:  copyMetadata(metadata),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return storage.Unavailable("add document", err)
	}

	if s.records[namespace] == nil {
		s.records[namespace] = make(map[string]storage.Record)
	}
	s.records[namespace][key] = rec
	return nil
}

// Query asks chromem for the nearest documents and attaches the stored
// record to each result.
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

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.Unavailable("query records", errClosed)
	}

	col, err := s.collection(namespace, len(vector), false)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return []storage.Match{}, nil
	}

	// chromem rejects nResults larger than the collection, and the filter
	// can shrink the candidate set further. All candidates are ranked so
	// ties at the k boundary are broken here rather than by chromem.
	matching := 0
	for _, rec := range s.records[namespace] {
		if len(rec.Vector) == len(vector) && filter.Matches(rec.Metadata) {
			matching++
		}
	}
	if matching == 0 {
		return []storage.Match{}, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = map[string]string(filter)
	}
	results, err := col.QueryEmbedding(ctx, vector, matching, where, nil)
	if err != nil {
		return nil, storage.Unavailable("query collection", err)
	}

	matches := make([]storage.Match, 0, len(results))
	for _, r := range results {
		rec, ok := s.records[namespace][r.ID]
		if !ok {
			s.logger.Warn("chromem: result without stored record", zap.String("namespace", namespace), zap.String("key", r.ID))
			continue
		}
		matches = append(matches, storage.Match{Record: cloneRecord(rec), Score: float64(r.Similarity)})
	}

	storage.SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Get retrieves one record.
func (s *Store) Get(_ context.Context, namespace, key string) (*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.Unavailable("get record", errClosed)
	}

	rec, ok := s.records[namespace][key]
	if !ok {
		return nil, fmt.Errorf("%w: record %s/%s", storage.ErrNotFound, namespace, key)
	}
	out := cloneRecord(rec)
	return &out, nil
}

// List pages through a namespace ordered by creation time, then key.
func (s *Store) List(_ context.Context, namespace string, opts storage.ListOptions) (*storage.PaginatedResult[storage.Record], error) {
	opts.Normalize()

	s.mu.RLock()
	all := make([]storage.Record, 0, len(s.records[namespace]))
	for _, rec := range s.records[namespace] {
		if opts.Filter.Matches(rec.Metadata) {
			all = append(all, cloneRecord(rec))
		}
	}
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, storage.Unavailable("list records", errClosed)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].Key < all[j].Key
	})

	start := opts.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + opts.Limit
	if end > len(all) {
		end = len(all)
	}

	return &storage.PaginatedResult[storage.Record]{
		Items:    all[start:end],
		Total:    len(all),
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  end < len(all),
	}, nil
}

// Close drops all data. Later calls fail with ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.collections = map[string]*chromem.Collection{}
	s.records = map[string]map[string]storage.Record{}
	return nil
}

var errClosed = fmt.Errorf("chromem store is closed")

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func cloneRecord(rec storage.Record) storage.Record {
	rec.Vector = append([]float32(nil), rec.Vector...)
	rec.Metadata = copyMetadata(rec.Metadata)
	return rec
}
