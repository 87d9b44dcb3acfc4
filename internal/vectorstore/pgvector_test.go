package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectSchema(mock pgxmock.PgxPoolIface, persisted string, dimension int) {
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS collection_settings").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "security_docs"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "security_docs_source_idx"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO collection_settings").
		WithArgs("security_docs", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT params, dimension FROM collection_settings WHERE collection = \$1`).
		WithArgs("security_docs").
		WillReturnRows(mock.NewRows([]string{"params", "dimension"}).AddRow([]byte(persisted), dimension))
}

const hnswParams = `{"strategy":"hnsw","m":16,"ef_construction":64,"ef_search":40}`

func newMockPgStore(t *testing.T) (*PgvectorStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	expectSchema(mock, hnswParams, testDim)
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "security_docs_embedding_idx" ON "security_docs" USING hnsw`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := NewPgvectorStoreWithDB(context.Background(), mock, PgvectorConfig{
		Collection: "security_docs",
		Dimension:  testDim,
		Index:      IndexSpec{Strategy: IndexHNSW},
	}, nil)
	require.NoError(t, err)
	return s, mock
}

func TestPgvectorStore_EnsureSchema(t *testing.T) {
	t.Run("creates hnsw index", func(t *testing.T) {
		_, mock := newMockPgStore(t)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("creates ivfflat index", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		expectSchema(mock, `{"strategy":"ivfflat","lists":100,"probes":10}`, testDim)
		mock.ExpectExec(`USING ivfflat \(embedding vector_cosine_ops\) WITH \(lists = 100\)`).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))

		_, err = NewPgvectorStoreWithDB(context.Background(), mock, PgvectorConfig{
			Collection: "security_docs",
			Dimension:  testDim,
			Index:      IndexSpec{Strategy: IndexIVFFlat},
		}, nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects strategy change", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		expectSchema(mock, hnswParams, testDim)
		_, err = NewPgvectorStoreWithDB(context.Background(), mock, PgvectorConfig{
			Collection: "security_docs",
			Dimension:  testDim,
			Index:      IndexSpec{Strategy: IndexIVFFlat},
		}, nil)
		assert.ErrorIs(t, err, ErrIndexMismatch)
	})

	t.Run("rejects dimension change", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		expectSchema(mock, hnswParams, 1536)
		_, err = NewPgvectorStoreWithDB(context.Background(), mock, PgvectorConfig{
			Collection: "security_docs",
			Dimension:  testDim,
		}, nil)
		assert.ErrorIs(t, err, ErrSchemaViolation)
	})

	t.Run("connection failure", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("CREATE EXTENSION").WillReturnError(errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"))
		_, err = NewPgvectorStoreWithDB(context.Background(), mock, PgvectorConfig{
			Collection: "security_docs",
			Dimension:  testDim,
		}, nil)
		assert.ErrorIs(t, err, ErrStorageUnavailable)
	})
}

func TestPgvectorStore_Upsert(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces source in one transaction", func(t *testing.T) {
		s, mock := newMockPgStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "security_docs" WHERE source_id = \$1`).
			WithArgs("s3").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
		for i := 0; i < 2; i++ {
			mock.ExpectExec(`INSERT INTO "security_docs" \(id,source_id,content,metadata,embedding\)`).
				WithArgs(pgxmock.AnyArg(), "s3", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
		}
		mock.ExpectCommit()

		err := s.Upsert(ctx, "s3", []Record{rec("s3#00000", 1, 0, 0, 0), rec("s3#00001", 0, 1, 0, 0)})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("dimension mismatch writes nothing", func(t *testing.T) {
		s, mock := newMockPgStore(t)

		err := s.Upsert(ctx, "s3", []Record{{ID: "s3#00000", Embedding: []float32{1, 0}}})
		assert.ErrorIs(t, err, ErrSchemaViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		s, mock := newMockPgStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "security_docs"`).
			WithArgs("s3").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(`INSERT INTO "security_docs"`).
			WillReturnError(errors.New("connection reset by peer"))
		mock.ExpectRollback()

		err := s.Upsert(ctx, "s3", []Record{rec("s3#00000", 1, 0, 0, 0)})
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgvectorStore_Search(t *testing.T) {
	ctx := context.Background()

	t.Run("orders by score then id", func(t *testing.T) {
		s, mock := newMockPgStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`SET LOCAL hnsw.ef_search = 40`).WillReturnResult(pgxmock.NewResult("SET", 0))
		rows := mock.NewRows([]string{"id", "source_id", "content", "metadata", "score"}).
			AddRow("s3#00001", "s3", "b", []byte(`{"source_id":"s3"}`), 0.75).
			AddRow("s3#00000", "s3", "a", []byte(`{"source_id":"s3"}`), 0.75).
			AddRow("iam#00000", "iam", "c", []byte(`{"source_id":"iam","service_name":"iam"}`), 0.5)
		mock.ExpectQuery(`SELECT id, source_id, content, metadata, 1 - \(embedding <=> \$1\) AS score FROM "security_docs" ORDER BY embedding <=> \$2 ASC, id ASC LIMIT 3`).
			WillReturnRows(rows)
		mock.ExpectRollback()

		results, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 3, nil)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "s3#00000", results[0].Record.ID)
		assert.Equal(t, "s3#00001", results[1].Record.ID)
		assert.Equal(t, "iam", results[2].Record.Metadata[MetaServiceName])
		assert.InDelta(t, 0.5, results[2].Score, 1e-6)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pushes filters into where clause", func(t *testing.T) {
		s, mock := newMockPgStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`SET LOCAL hnsw.ef_search`).WillReturnResult(pgxmock.NewResult("SET", 0))
		mock.ExpectQuery(`WHERE metadata ->> \$2 = \$3 AND metadata ->> \$4 = \$5 ORDER BY`).
			WithArgs(pgxmock.AnyArg(), MetaServiceName, "s3", MetaSourceID, "s3", pgxmock.AnyArg()).
			WillReturnRows(mock.NewRows([]string{"id", "source_id", "content", "metadata", "score"}))
		mock.ExpectRollback()

		results, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 5, Filter{MetaSourceID: "s3", MetaServiceName: "s3"})
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bounds collection date as text", func(t *testing.T) {
		s, mock := newMockPgStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`SET LOCAL hnsw.ef_search`).WillReturnResult(pgxmock.NewResult("SET", 0))
		mock.ExpectQuery(`WHERE metadata ->> \$2 <= \$3 AND metadata ->> \$4 >= \$5 AND metadata ->> \$6 = \$7 ORDER BY`).
			WithArgs(pgxmock.AnyArg(),
				MetaCollectedAt, "2024-06-30T22:00:00Z",
				MetaCollectedAt, "2024-01-01T00:00:00Z",
				MetaServiceName, "s3",
				pgxmock.AnyArg()).
			WillReturnRows(mock.NewRows([]string{"id", "source_id", "content", "metadata", "score"}))
		mock.ExpectRollback()

		_, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 5, Filter{
			AtLeast(MetaCollectedAt): "2024-01-01T00:00:00Z",
			AtMost(MetaCollectedAt):  "2024-07-01T00:00:00+02:00",
			MetaServiceName:          "s3",
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects malformed date bound", func(t *testing.T) {
		s, mock := newMockPgStore(t)
		_, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 5, Filter{AtLeast(MetaCollectedAt): "2024/01/01"})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query dimension mismatch", func(t *testing.T) {
		s, mock := newMockPgStore(t)
		_, err := s.Search(ctx, []float32{1}, 5, nil)
		assert.ErrorIs(t, err, ErrSchemaViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unreachable database", func(t *testing.T) {
		s, mock := newMockPgStore(t)
		mock.ExpectBegin().WillReturnError(errors.New("failed to connect"))
		_, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 5, nil)
		assert.ErrorIs(t, err, ErrStorageUnavailable)
	})
}

func TestPgvectorStore_DeleteCountHealth(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockPgStore(t)

	mock.ExpectExec(`DELETE FROM "security_docs" WHERE source_id = \$1`).
		WithArgs("s3").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	require.NoError(t, s.Delete(ctx, "s3"))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "security_docs" WHERE metadata ->> \$1 = \$2`).
		WithArgs(MetaSourceID, "iam").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(7))
	n, err := s.Count(ctx, Filter{MetaSourceID: "iam"})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	mock.ExpectPing()
	assert.NoError(t, s.Health(ctx))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	assert.ErrorIs(t, s.Health(ctx), ErrStorageUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}
