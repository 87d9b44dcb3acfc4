package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the minimal database interface PostgresStore depends on (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const fingerprintsDDL = `CREATE TABLE IF NOT EXISTS fingerprints (
	source_id TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	embedding_model TEXT NOT NULL DEFAULT '',
	last_ingested_at TIMESTAMPTZ NOT NULL
)`

// Tables created before embedding_model existed gain it with an empty
// value, which forces one reprocessing of every source.
const fingerprintsModelDDL = `ALTER TABLE fingerprints ADD COLUMN IF NOT EXISTS embedding_model TEXT NOT NULL DEFAULT ''`

// PostgresStore persists fingerprints in the fingerprints table.
type PostgresStore struct {
	db DB
}

var _ FingerprintStore = (*PostgresStore)(nil)

// NewPostgresStore creates the table if needed.
func NewPostgresStore(ctx context.Context, db DB) (*PostgresStore, error) {
	if _, err := db.Exec(ctx, fingerprintsDDL); err != nil {
		return nil, fmt.Errorf("creating fingerprints table: %w", err)
	}
	if _, err := db.Exec(ctx, fingerprintsModelDDL); err != nil {
		return nil, fmt.Errorf("migrating fingerprints table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

type fingerprintRow struct {
	SourceID       string    `db:"source_id"`
	Hash           string    `db:"hash"`
	EmbeddingModel string    `db:"embedding_model"`
	LastIngestedAt time.Time `db:"last_ingested_at"`
}

// Get implements FingerprintStore.
func (p *PostgresStore) Get(ctx context.Context, sourceID string) (Fingerprint, bool, error) {
	query, args, err := squirrel.Select("source_id", "hash", "embedding_model", "last_ingested_at").
		From("fingerprints").
		Where(squirrel.Eq{"source_id": sourceID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return Fingerprint{}, false, fmt.Errorf("building select query: %w", err)
	}
	var row fingerprintRow
	if err := pgxscan.Get(ctx, p.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) || errors.Is(err, pgx.ErrNoRows) {
			return Fingerprint{}, false, nil
		}
		return Fingerprint{}, false, fmt.Errorf("scanning fingerprint: %w", err)
	}
	return Fingerprint(row), true, nil
}

// Put implements FingerprintStore.
func (p *PostgresStore) Put(ctx context.Context, fp Fingerprint) error {
	query, args, err := squirrel.Insert("fingerprints").
		Columns("source_id", "hash", "embedding_model", "last_ingested_at").
		Values(fp.SourceID, fp.Hash, fp.EmbeddingModel, fp.LastIngestedAt).
		Suffix("ON CONFLICT (source_id) DO UPDATE SET hash = EXCLUDED.hash, embedding_model = EXCLUDED.embedding_model, last_ingested_at = EXCLUDED.last_ingested_at").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert query: %w", err)
	}
	if _, err := p.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting fingerprint: %w", err)
	}
	return nil
}

// Delete implements FingerprintStore.
func (p *PostgresStore) Delete(ctx context.Context, sourceID string) error {
	query, args, err := squirrel.Delete("fingerprints").
		Where(squirrel.Eq{"source_id": sourceID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := p.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting fingerprint: %w", err)
	}
	return nil
}
