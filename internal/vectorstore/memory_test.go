package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(MemoryConfig{Collection: "test_docs", Dimension: testDim}, nil)
	require.NoError(t, err)
	return s
}

func rec(id string, vec ...float32) Record {
	return Record{ID: id, Content: "content of " + id, Embedding: Normalize(vec)}
}

func TestMemoryStore_SearchEmptyCollection(t *testing.T) {
	s := newTestMemoryStore(t)

	results, err := s.Search(context.Background(), Normalize([]float32{1, 0, 0, 0}), 5, nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestMemoryStore_UpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Upsert(ctx, "s3", []Record{
		rec("s3#00000", 1, 0, 0, 0),
		rec("s3#00001", 0.9, 0.1, 0, 0),
	}))
	require.NoError(t, s.Upsert(ctx, "iam", []Record{
		rec("iam#00000", 0, 1, 0, 0),
	}))

	results, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "s3#00000", results[0].Record.ID)
	assert.Equal(t, "s3", results[0].Record.SourceID)
	assert.Equal(t, "s3", results[0].Record.Metadata[MetaSourceID])
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	t.Run("filter restricts results", func(t *testing.T) {
		results, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 5, Filter{MetaSourceID: "iam"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "iam#00000", results[0].Record.ID)
	})

	t.Run("k larger than collection returns all", func(t *testing.T) {
		results, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 50, nil)
		require.NoError(t, err)
		assert.Len(t, results, 3)
	})
}

func dated(r Record, collected string) Record {
	r.Metadata = map[string]string{MetaCollectedAt: collected}
	return r
}

func TestMemoryStore_SearchByCollectionDate(t *testing.T) {
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Upsert(ctx, "old", []Record{dated(rec("old#00000", 1, 0, 0, 0), "2023-03-01T00:00:00Z")}))
	require.NoError(t, s.Upsert(ctx, "mid", []Record{dated(rec("mid#00000", 1, 0.1, 0, 0), "2024-06-15T12:00:00Z")}))
	require.NoError(t, s.Upsert(ctx, "new", []Record{dated(rec("new#00000", 1, 0.2, 0, 0), "2025-01-10T08:30:00Z")}))
	require.NoError(t, s.Upsert(ctx, "undated", []Record{rec("undated#00000", 1, 0, 0, 0)}))

	query := Normalize([]float32{1, 0, 0, 0})
	ids := func(results []Result) []string {
		out := make([]string, len(results))
		for i, r := range results {
			out[i] = r.Record.ID
		}
		return out
	}

	results, err := s.Search(ctx, query, 10, Filter{AtLeast(MetaCollectedAt): "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mid#00000", "new#00000"}, ids(results))

	results, err = s.Search(ctx, query, 10, Filter{
		AtLeast(MetaCollectedAt): "2024-06-15T12:00:00Z",
		AtMost(MetaCollectedAt):  "2024-12-31T23:59:59+01:00",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"mid#00000"}, ids(results))

	results, err = s.Search(ctx, query, 10, Filter{AtMost(MetaCollectedAt): "2024-01-01T00:00:00Z", MetaSourceID: "new"})
	require.NoError(t, err)
	assert.Empty(t, results)

	n, err := s.Count(ctx, Filter{AtMost(MetaCollectedAt): "2024-12-31T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Search(ctx, query, 10, Filter{AtLeast(MetaCollectedAt): "last week"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Count(ctx, Filter{AtMost(MetaCollectedAt): "2024-13-01"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryStore_TiesBrokenByID(t *testing.T) {
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Upsert(ctx, "doc", []Record{
		rec("doc#00002", 0, 0, 1, 0),
		rec("doc#00000", 0, 0, 1, 0),
		rec("doc#00001", 0, 0, 1, 0),
	}))

	results, err := s.Search(ctx, Normalize([]float32{0, 0, 1, 0}), 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "doc#00000", results[0].Record.ID)
	assert.Equal(t, "doc#00001", results[1].Record.ID)
}

func TestMemoryStore_UpsertReplacesSource(t *testing.T) {
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Upsert(ctx, "s3", []Record{
		rec("s3#00000", 1, 0, 0, 0),
		rec("s3#00001", 0, 1, 0, 0),
		rec("s3#00002", 0, 0, 1, 0),
	}))
	require.NoError(t, s.Upsert(ctx, "s3", []Record{
		rec("s3#00000", 0, 0, 0, 1),
	}))

	n, err := s.Count(ctx, Filter{MetaSourceID: "s3"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Upsert(ctx, "s3", nil))
	n, err = s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_SchemaViolation(t *testing.T) {
	ctx := context.Background()
	s := newTestMemoryStore(t)
	require.NoError(t, s.Upsert(ctx, "s3", []Record{rec("s3#00000", 1, 0, 0, 0)}))

	tests := []struct {
		name    string
		records []Record
	}{
		{name: "wrong dimension", records: []Record{rec("s3#00000", 1, 0, 0, 0), {ID: "s3#00001", Embedding: []float32{1, 0}}}},
		{name: "empty id", records: []Record{{Embedding: []float32{1, 0, 0, 0}}}},
		{name: "duplicate id", records: []Record{rec("s3#00000", 1, 0, 0, 0), rec("s3#00000", 0, 1, 0, 0)}},
		{name: "foreign source", records: []Record{{ID: "x", SourceID: "other", Embedding: []float32{1, 0, 0, 0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Upsert(ctx, "s3", tt.records)
			assert.ErrorIs(t, err, ErrSchemaViolation)

			// Nothing was written or removed.
			results, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), 10, nil)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "s3#00000", results[0].Record.ID)
		})
	}

	t.Run("query dimension", func(t *testing.T) {
		_, err := s.Search(ctx, []float32{1, 0}, 1, nil)
		assert.ErrorIs(t, err, ErrSchemaViolation)
	})
}

func TestMemoryStore_SearchValidation(t *testing.T) {
	s := newTestMemoryStore(t)
	_, err := s.Search(context.Background(), []float32{1, 0, 0, 0}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryStore_AtomicReplace(t *testing.T) {
	ctx := context.Background()
	s := newTestMemoryStore(t)

	const n = 8
	makeSet := func(gen int) []Record {
		out := make([]Record, n)
		for i := range out {
			out[i] = Record{
				ID:        fmt.Sprintf("s3#%05d", i),
				Content:   fmt.Sprintf("gen-%d", gen),
				Embedding: Normalize([]float32{1, float32(i), 0, 0}),
			}
		}
		return out
	}
	require.NoError(t, s.Upsert(ctx, "s3", makeSet(0)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for gen := 1; gen <= 20; gen++ {
			assert.NoError(t, s.Upsert(ctx, "s3", makeSet(gen)))
		}
	}()

	for i := 0; i < 50; i++ {
		results, err := s.Search(ctx, Normalize([]float32{1, 0, 0, 0}), n, Filter{MetaSourceID: "s3"})
		require.NoError(t, err)
		require.Len(t, results, n)
		gen := results[0].Record.Content
		for _, r := range results {
			assert.Equal(t, gen, r.Record.Content, "mixed generations observed")
		}
	}
	wg.Wait()
}

func TestMemoryStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := MemoryConfig{Path: dir, Collection: "persisted", Dimension: testDim}

	s, err := NewMemoryStore(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, "s3", []Record{rec("s3#00000", 1, 0, 0, 0)}))
	require.NoError(t, s.Close())

	reopened, err := NewMemoryStore(cfg, nil)
	require.NoError(t, err)
	n, err := reopened.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	t.Run("dimension change rejected", func(t *testing.T) {
		cfg := cfg
		cfg.Dimension = 8
		_, err := NewMemoryStore(cfg, nil)
		assert.ErrorIs(t, err, ErrSchemaViolation)
	})
}

func TestMemoryStore_InvalidConfig(t *testing.T) {
	_, err := NewMemoryStore(MemoryConfig{Collection: "Bad-Name", Dimension: 4}, nil)
	assert.ErrorIs(t, err, ErrInvalidCollectionName)

	_, err = NewMemoryStore(MemoryConfig{Collection: "ok", Dimension: 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
