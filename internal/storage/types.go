package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable indicates the backing store could not be reached
	// or failed mid-operation. Callers must assume nothing was written and
	// must not proceed as if the operation succeeded.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRevisionMismatch indicates a compare-and-swap write lost the race:
	// the stored revision was not the expected one.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Unavailable wraps a backend failure as ErrStoreUnavailable while keeping
// the cause inspectable with errors.Is.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering options for list operations.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 50, max: 500).
	Limit int

	// Filter restricts results to records whose metadata matches.
	Filter Filter
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
}

// Offset returns the number of rows to skip for the current page.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// Filter is an equality filter over record metadata. A filter value of ""
// matches records where the key is absent or empty.
type Filter map[string]string

// Matches reports whether metadata satisfies every condition of f.
func (f Filter) Matches(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Record is one vector entry of a namespace.
type Record struct {
	Namespace string
	Key       string
	Vector    []float32
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MetaCreatedAt is the metadata key holding a record's logical creation
// time in RFC 3339. Stores break similarity ties on it.
const MetaCreatedAt = "created_at"

// Created returns the MetaCreatedAt time when the metadata carries a valid
// one, otherwise the time the store first saw the record.
func (r Record) Created() time.Time {
	if s := r.Metadata[MetaCreatedAt]; s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return r.CreatedAt
}

// Match is a Record returned by a similarity query, with its cosine
// similarity to the query vector.
type Match struct {
	Record
	Score float64
}

// SortMatches orders matches by score, then newest Created first, then key.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		ci, cj := matches[i].Created(), matches[j].Created()
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return matches[i].Key < matches[j].Key
	})
}
