package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var pgTracer = otel.Tracer("chakravyuh.vectorstore.pgvector")

// DB is the minimal database interface the pgvector store depends on
// (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PgvectorConfig holds configuration for the PostgreSQL pgvector backend.
type PgvectorConfig struct {
	// DSN is the connection string. Only used by NewPgvectorStore.
	DSN string

	// MaxConns caps the pool size.
	MaxConns int32

	// Collection names the table that holds the records.
	Collection string

	// Dimension is the fixed embedding dimension.
	Dimension int

	// Index is the requested index. It must match any persisted setting.
	Index IndexSpec
}

// Validate validates the configuration.
func (c *PgvectorConfig) Validate() error {
	if err := ValidateCollectionName(c.Collection); err != nil {
		return err
	}
	if c.Dimension <= 0 || c.Dimension > 16000 {
		return fmt.Errorf("%w: dimension must be in [1, 16000], got %d", ErrInvalidConfig, c.Dimension)
	}
	return c.Index.Validate()
}

// PgvectorStore implements Store on PostgreSQL with the pgvector extension.
//
// Replacement of a source runs in one transaction, so readers under READ
// COMMITTED see the old or new set.
type PgvectorStore struct {
	db         DB
	pool       *pgxpool.Pool
	config     PgvectorConfig
	tableIdent string
	logger     *zap.Logger
}

var _ Store = (*PgvectorStore)(nil)

// NewPgvectorStore connects to PostgreSQL and prepares the collection.
func NewPgvectorStore(ctx context.Context, cfg PgvectorConfig, logger *zap.Logger) (*PgvectorStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidConfig)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing dsn: %w", ErrInvalidConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to postgres: %w", ErrStorageUnavailable, err)
	}
	store, err := NewPgvectorStoreWithDB(ctx, pool, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.pool = pool
	return store, nil
}

// NewPgvectorStoreWithDB prepares the collection on an existing connection.
func NewPgvectorStoreWithDB(ctx context.Context, db DB, cfg PgvectorConfig, logger *zap.Logger) (*PgvectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Index.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	s := &PgvectorStore{
		db:         db,
		config:     cfg,
		tableIdent: pgx.Identifier{cfg.Collection}.Sanitize(),
		logger:     logger,
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	logger.Info("pgvector store initialized",
		zap.String("collection", cfg.Collection),
		zap.Int("dimension", cfg.Dimension),
		zap.String("index_strategy", string(cfg.Index.Strategy)),
	)
	return s, nil
}

func (s *PgvectorStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS collection_settings (
		collection TEXT PRIMARY KEY,
		index_strategy TEXT NOT NULL,
		params JSONB NOT NULL,
		dimension INTEGER NOT NULL
	)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding vector(%d) NOT NULL
	)`, s.tableIdent, s.config.Dimension),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (source_id)",
			pgx.Identifier{s.config.Collection + "_source_idx"}.Sanitize(), s.tableIdent),
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return classifyPgError("pgvector: ensure schema", err)
		}
	}

	if err := s.persistSettings(ctx); err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, s.indexDDL()); err != nil {
		return classifyPgError("pgvector: create index", err)
	}
	return nil
}

// persistSettings records the index strategy on first use and rejects a
// later configuration that would build a different index.
func (s *PgvectorStore) persistSettings(ctx context.Context) error {
	params, err := json.Marshal(s.config.Index)
	if err != nil {
		return fmt.Errorf("pgvector: marshal index params: %w", err)
	}
	insert, args, err := squirrel.Insert("collection_settings").
		Columns("collection", "index_strategy", "params", "dimension").
		Values(s.config.Collection, string(s.config.Index.Strategy), params, s.config.Dimension).
		Suffix("ON CONFLICT (collection) DO NOTHING").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("pgvector: building settings insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, insert, args...); err != nil {
		return classifyPgError("pgvector: persist settings", err)
	}

	query, args, err := squirrel.Select("params", "dimension").
		From("collection_settings").
		Where(squirrel.Eq{"collection": s.config.Collection}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("pgvector: building settings query: %w", err)
	}
	var (
		raw       []byte
		dimension int
	)
	if err := s.db.QueryRow(ctx, query, args...).Scan(&raw, &dimension); err != nil {
		return classifyPgError("pgvector: read settings", err)
	}
	if dimension != s.config.Dimension {
		return fmt.Errorf("%w: collection %s persisted with dimension %d, configured %d",
			ErrSchemaViolation, s.config.Collection, dimension, s.config.Dimension)
	}
	var persisted IndexSpec
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return fmt.Errorf("pgvector: decode index params: %w", err)
	}
	if !persisted.SameBuild(s.config.Index) {
		return fmt.Errorf("%w: collection %s persisted with %s, configured %s",
			ErrIndexMismatch, s.config.Collection, persisted.Strategy, s.config.Index.Strategy)
	}
	return nil
}

func (s *PgvectorStore) indexDDL() string {
	name := pgx.Identifier{s.config.Collection + "_embedding_idx"}.Sanitize()
	idx := s.config.Index
	switch idx.Strategy {
	case IndexIVFFlat:
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
			name, s.tableIdent, idx.Lists)
	default:
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)",
			name, s.tableIdent, idx.M, idx.EfConstruction)
	}
}

// searchSetting returns the transaction-local planner knob for the index.
func (s *PgvectorStore) searchSetting() string {
	if s.config.Index.Strategy == IndexIVFFlat {
		return fmt.Sprintf("SET LOCAL ivfflat.probes = %d", s.config.Index.Probes)
	}
	return fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", s.config.Index.EfSearch)
}

// DB returns the underlying connection so other tables can share the pool.
func (s *PgvectorStore) DB() DB { return s.db }

// Dimension implements Store.
func (s *PgvectorStore) Dimension() int { return s.config.Dimension }

// Index implements Store.
func (s *PgvectorStore) Index() IndexSpec { return s.config.Index }

// Upsert implements Store.
func (s *PgvectorStore) Upsert(ctx context.Context, sourceID string, records []Record) (err error) {
	ctx, span := pgTracer.Start(ctx, "PgvectorStore.Upsert")
	defer span.End()
	defer observe("pgvector", "upsert", time.Now(), &err)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	span.SetAttributes(
		attribute.String("source_id", sourceID),
		attribute.Int("record_count", len(records)),
	)

	prepared, err := prepareRecords(sourceID, records, s.config.Dimension)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classifyPgError("pgvector: begin tx", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("pgvector: rollback failed: %w; original error: %v", rbErr, err)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = classifyPgError("pgvector: commit", commitErr)
		}
	}()

	del, args, err := squirrel.Delete(s.tableIdent).
		Where(squirrel.Eq{"source_id": sourceID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("pgvector: building delete: %w", err)
	}
	if _, err = tx.Exec(ctx, del, args...); err != nil {
		return classifyPgError("pgvector: delete source", err)
	}

	for _, rec := range prepared {
		metadata, marshalErr := json.Marshal(rec.Metadata)
		if marshalErr != nil {
			return fmt.Errorf("pgvector: marshal metadata for %q: %w", rec.ID, marshalErr)
		}
		insert, insertArgs, buildErr := squirrel.Insert(s.tableIdent).
			Columns("id", "source_id", "content", "metadata", "embedding").
			Values(rec.ID, sourceID, rec.Content, metadata, pgvector.NewVector(rec.Embedding)).
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
		if buildErr != nil {
			return fmt.Errorf("pgvector: building insert: %w", buildErr)
		}
		if _, err = tx.Exec(ctx, insert, insertArgs...); err != nil {
			return classifyPgError(fmt.Sprintf("pgvector: insert %q", rec.ID), err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search implements Store.
func (s *PgvectorStore) Search(ctx context.Context, vector []float32, k int, filter Filter) (results []Result, err error) {
	ctx, span := pgTracer.Start(ctx, "PgvectorStore.Search")
	defer span.End()
	defer observe("pgvector", "search", time.Now(), &err)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	span.SetAttributes(attribute.Int("k", k), attribute.Int("filter_keys", len(filter)))

	k, err = validateQuery(vector, k, s.config.Dimension)
	if err == nil {
		err = filter.validate()
	}
	if err != nil {
		return nil, err
	}

	query, args, err := s.searchQuery(vector, k, filter)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, classifyPgError("pgvector: begin tx", err)
	}
	// Read-only: rollback releases the connection and the SET LOCAL.
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("pgvector search rollback", zap.Error(rbErr))
		}
	}()

	if _, err = tx.Exec(ctx, s.searchSetting()); err != nil {
		return nil, classifyPgError("pgvector: set search params", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError("pgvector: search", err)
	}
	defer rows.Close()

	results = make([]Result, 0, k)
	for rows.Next() {
		var (
			rec         Record
			metadataRaw []byte
			score       float64
		)
		if err = rows.Scan(&rec.ID, &rec.SourceID, &rec.Content, &metadataRaw, &score); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		rec.Metadata = make(map[string]string)
		if len(metadataRaw) > 0 {
			if err = json.Unmarshal(metadataRaw, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("pgvector: decode metadata: %w", err)
			}
		}
		results = append(results, Result{Record: rec, Score: float32(score)})
	}
	if err = rows.Err(); err != nil {
		return nil, classifyPgError("pgvector: search rows", err)
	}

	sortResults(results)
	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *PgvectorStore) searchQuery(vector []float32, k int, filter Filter) (string, []any, error) {
	vec := pgvector.NewVector(vector)
	qb := squirrel.Select("id", "source_id", "content", "metadata").
		Column(squirrel.Expr("1 - (embedding <=> ?) AS score", vec)).
		From(s.tableIdent)
	for _, cond := range whereMetadata(filter) {
		qb = qb.Where(cond)
	}
	query, args, err := qb.
		OrderByClause("embedding <=> ? ASC, id ASC", vec).
		Limit(uint64(k)).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("pgvector: building search query: %w", err)
	}
	return query, args, nil
}

// whereMetadata renders filter over the jsonb metadata column. Timestamp
// bounds compare as text, which orders FormatTime values by time.
func whereMetadata(filter Filter) []squirrel.Sqlizer {
	where := make([]squirrel.Sqlizer, 0, len(filter))
	for _, c := range filter.conditions() {
		switch c.op {
		case opAtLeast:
			where = append(where, squirrel.Expr("metadata ->> ? >= ?", c.field, FormatTime(c.bound())))
		case opAtMost:
			where = append(where, squirrel.Expr("metadata ->> ? <= ?", c.field, FormatTime(c.bound())))
		default:
			where = append(where, squirrel.Expr("metadata ->> ? = ?", c.field, c.value))
		}
	}
	return where
}

// Delete implements Store.
func (s *PgvectorStore) Delete(ctx context.Context, sourceID string) (err error) {
	ctx, span := pgTracer.Start(ctx, "PgvectorStore.Delete")
	defer span.End()
	defer observe("pgvector", "delete", time.Now(), &err)

	if sourceID == "" {
		return fmt.Errorf("%w: source id cannot be empty", ErrInvalidArgument)
	}
	query, args, err := squirrel.Delete(s.tableIdent).
		Where(squirrel.Eq{"source_id": sourceID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("pgvector: building delete: %w", err)
	}
	if _, err = s.db.Exec(ctx, query, args...); err != nil {
		err = classifyPgError("pgvector: delete", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count implements Store.
func (s *PgvectorStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := filter.validate(); err != nil {
		return 0, err
	}
	qb := squirrel.Select("COUNT(*)").From(s.tableIdent)
	for _, cond := range whereMetadata(filter) {
		qb = qb.Where(cond)
	}
	query, args, err := qb.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return 0, fmt.Errorf("pgvector: building count: %w", err)
	}
	var n int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, classifyPgError("pgvector: count", err)
	}
	return n, nil
}

// Health implements Store.
func (s *PgvectorStore) Health(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (s *PgvectorStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// classifyPgError maps driver errors onto store sentinels. Errors reported by
// the server keep their identity; anything else means the database could not
// be reached.
func classifyPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 22000 class: data exception, e.g. "expected N dimensions".
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "22" {
			return fmt.Errorf("%s: %w: %w", op, ErrSchemaViolation, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
