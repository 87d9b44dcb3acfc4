package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
)

var memoryTracer = otel.Tracer("chakravyuh.vectorstore.memory")

// MemoryConfig holds configuration for the embedded chromem-go store.
type MemoryConfig struct {
	// Path enables gob persistence when non-empty.
	Path string

	// Compress enables gzip compression for persisted documents.
	Compress bool

	// Collection is the collection name.
	Collection string

	// Dimension is the fixed embedding dimension.
	Dimension int

	// Index is recorded as collection metadata. chromem-go always performs
	// exact search, so the strategy does not change results.
	Index IndexSpec
}

// Validate validates the configuration.
func (c *MemoryConfig) Validate() error {
	if err := ValidateCollectionName(c.Collection); err != nil {
		return err
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return c.Index.Validate()
}

// MemoryStore implements Store using chromem-go.
//
// Upserts take the write side of mu so that searches never observe a source
// halfway through replacement.
type MemoryStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     MemoryConfig
	logger     *zap.Logger

	mu sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// errNoEmbedder is returned by the collection embedding function. Records
// always carry precomputed vectors.
var errNoEmbedder = errors.New("memory store requires precomputed embeddings")

// NewMemoryStore creates a chromem-go backed store.
func NewMemoryStore(cfg MemoryConfig, logger *zap.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Index.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := config.ExpandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem db: %w", ErrStorageUnavailable, err)
		}
		cfg.Path = path
	}

	meta := map[string]string{
		"dimension":      strconv.Itoa(cfg.Dimension),
		"index_strategy": string(cfg.Index.Strategy),
	}
	embed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedder }
	collection, err := db.GetOrCreateCollection(cfg.Collection, meta, embed)
	if err != nil {
		return nil, fmt.Errorf("%w: creating collection: %w", ErrStorageUnavailable, err)
	}

	s := &MemoryStore{
		db:         db,
		collection: collection,
		config:     cfg,
		logger:     logger,
	}
	if err := s.checkPersistedDimension(context.Background()); err != nil {
		return nil, err
	}

	logger.Info("memory vector store initialized",
		zap.String("collection", cfg.Collection),
		zap.String("path", cfg.Path),
		zap.Int("dimension", cfg.Dimension),
		zap.Int("documents", collection.Count()),
	)
	return s, nil
}

// checkPersistedDimension rejects a persisted collection built with a
// different embedding dimension.
func (s *MemoryStore) checkPersistedDimension(ctx context.Context) error {
	if s.collection.Count() == 0 {
		return nil
	}
	// chromem-go fails the similarity computation when lengths differ.
	res, err := s.collection.QueryEmbedding(ctx, s.anyVector(), 1, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: persisted collection does not accept dimension %d: %w",
			ErrSchemaViolation, s.config.Dimension, err)
	}
	if len(res) > 0 && len(res[0].Embedding) != s.config.Dimension {
		return fmt.Errorf("%w: persisted collection has dimension %d, configured %d",
			ErrSchemaViolation, len(res[0].Embedding), s.config.Dimension)
	}
	return nil
}

// anyVector returns a unit vector used to enumerate documents.
func (s *MemoryStore) anyVector() []float32 {
	v := make([]float32, s.config.Dimension)
	v[0] = 1
	return v
}

// Dimension implements Store.
func (s *MemoryStore) Dimension() int { return s.config.Dimension }

// Index implements Store.
func (s *MemoryStore) Index() IndexSpec { return s.config.Index }

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, sourceID string, records []Record) (err error) {
	ctx, span := memoryTracer.Start(ctx, "MemoryStore.Upsert")
	defer span.End()
	defer observe("memory", "upsert", time.Now(), &err)

	span.SetAttributes(
		attribute.String("source_id", sourceID),
		attribute.Int("record_count", len(records)),
	)

	prepared, err := prepareRecords(sourceID, records, s.config.Dimension)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.sourceDocuments(ctx, sourceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := s.collection.Delete(ctx, Filter{MetaSourceID: sourceID}, nil); err != nil {
		err = fmt.Errorf("%w: deleting source %s: %w", ErrStorageUnavailable, sourceID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if len(prepared) > 0 {
		docs := make([]chromem.Document, len(prepared))
		for i, rec := range prepared {
			docs[i] = chromem.Document{
				ID:        rec.ID,
				Metadata:  rec.Metadata,
				Embedding: rec.Embedding,
				Content:   rec.Content,
			}
		}
		if addErr := s.collection.AddDocuments(ctx, docs, 1); addErr != nil {
			s.restore(sourceID, previous)
			err = fmt.Errorf("%w: adding documents: %w", ErrStorageUnavailable, addErr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// restore reinstates a source's previous documents after a failed write.
func (s *MemoryStore) restore(sourceID string, previous []chromem.Document) {
	ctx := context.Background()
	if err := s.collection.Delete(ctx, Filter{MetaSourceID: sourceID}, nil); err != nil {
		s.logger.Error("rollback delete failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	if len(previous) == 0 {
		return
	}
	if err := s.collection.AddDocuments(ctx, previous, 1); err != nil {
		s.logger.Error("rollback restore failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

// sourceDocuments returns all documents of a source. Callers hold mu.
func (s *MemoryStore) sourceDocuments(ctx context.Context, sourceID string) ([]chromem.Document, error) {
	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}
	res, err := s.collection.QueryEmbedding(ctx, s.anyVector(), n, Filter{MetaSourceID: sourceID}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: listing source %s: %w", ErrStorageUnavailable, sourceID, err)
	}
	docs := make([]chromem.Document, len(res))
	for i, r := range res {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Metadata:  r.Metadata,
			Embedding: r.Embedding,
			Content:   r.Content,
		}
	}
	return docs, nil
}

// Search implements Store.
func (s *MemoryStore) Search(ctx context.Context, vector []float32, k int, filter Filter) (results []Result, err error) {
	ctx, span := memoryTracer.Start(ctx, "MemoryStore.Search")
	defer span.End()
	defer observe("memory", "search", time.Now(), &err)

	span.SetAttributes(attribute.Int("k", k), attribute.Int("filter_keys", len(filter)))

	k, err = validateQuery(vector, k, s.config.Dimension)
	if err == nil {
		err = filter.validate()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	eq, ranges := filter.split()

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.collection.Count()
	if n == 0 {
		span.SetStatus(codes.Ok, "empty collection")
		return []Result{}, nil
	}

	// Ties at the k boundary are resolved by ID, so fetch every candidate
	// when the filter leaves fewer than the whole collection.
	res, err := s.collection.QueryEmbedding(ctx, vector, n, eq, nil)
	if err != nil {
		err = fmt.Errorf("%w: querying collection: %w", ErrStorageUnavailable, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results = make([]Result, 0, len(res))
	for _, r := range res {
		if !matchAll(ranges, r.Metadata) {
			continue
		}
		results = append(results, Result{
			Record: Record{
				ID:        r.ID,
				SourceID:  r.Metadata[MetaSourceID],
				Content:   r.Content,
				Metadata:  cloneMetadata(r.Metadata),
				Embedding: r.Embedding,
			},
			Score: r.Similarity,
		})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, sourceID string) (err error) {
	ctx, span := memoryTracer.Start(ctx, "MemoryStore.Delete")
	defer span.End()
	defer observe("memory", "delete", time.Now(), &err)

	if sourceID == "" {
		return fmt.Errorf("%w: source id cannot be empty", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.collection.Delete(ctx, Filter{MetaSourceID: sourceID}, nil); err != nil {
		err = fmt.Errorf("%w: deleting source %s: %w", ErrStorageUnavailable, sourceID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := filter.validate(); err != nil {
		return 0, err
	}
	n := s.collection.Count()
	if len(filter) == 0 || n == 0 {
		return n, nil
	}
	eq, ranges := filter.split()
	res, err := s.collection.QueryEmbedding(ctx, s.anyVector(), n, eq, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: counting: %w", ErrStorageUnavailable, err)
	}
	count := 0
	for _, r := range res {
		if matchAll(ranges, r.Metadata) {
			count++
		}
	}
	return count, nil
}

func matchAll(conds []condition, meta map[string]string) bool {
	for _, c := range conds {
		if !c.match(meta) {
			return false
		}
	}
	return true
}

// Health implements Store.
func (s *MemoryStore) Health(context.Context) error { return nil }

// Close implements Store. Documents are persisted as they are written.
func (s *MemoryStore) Close() error { return nil }

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
