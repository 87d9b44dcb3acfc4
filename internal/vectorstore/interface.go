// Package vectorstore persists chunk embeddings and serves cosine
// similarity search over them.
package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrSchemaViolation indicates a vector or record shape that does not
	// match the collection, for example a dimension mismatch. It is never
	// retried automatically.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrStorageUnavailable indicates the backend could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates collection name validation failed.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrInvalidArgument indicates a bad search or delete argument.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIndexMismatch indicates the configured index strategy differs from
	// the one persisted for the collection.
	ErrIndexMismatch = errors.New("index strategy mismatch")
)

// Store is the vector store contract shared by all backends.
//
// Upsert replaces every record of a source as one unit: a concurrent Search
// observes either the complete previous set or the complete new set for
// that source, never a mix. Different sources may be upserted concurrently;
// callers serialize upserts of the same source.
//
// Search returns results ordered by descending cosine similarity with ties
// broken by ascending record ID. An empty collection yields an empty slice.
// Vectors are expected to be L2-normalized by the caller (see Normalize).
type Store interface {
	// Upsert deletes all records for sourceID and inserts records atomically.
	// An empty records slice removes the source. A record whose embedding
	// length differs from Dimension() fails the whole call with
	// ErrSchemaViolation before anything is written.
	Upsert(ctx context.Context, sourceID string, records []Record) error

	// Search returns at most k results matching filter.
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Result, error)

	// Delete removes all records for sourceID. Missing sources are not an error.
	Delete(ctx context.Context, sourceID string) error

	// Count returns the number of records matching filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// Dimension returns the fixed embedding dimension of the collection.
	Dimension() int

	// Index returns the index build parameters persisted with the collection.
	Index() IndexSpec

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
