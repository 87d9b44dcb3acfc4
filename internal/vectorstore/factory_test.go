package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
)

func TestNewStore(t *testing.T) {
	t.Run("memory by default", func(t *testing.T) {
		cfg := config.Default()
		cfg.VectorStore.Memory.Path = ""
		s, err := NewStore(context.Background(), cfg, nil)
		require.NoError(t, err)
		defer s.Close()

		_, ok := s.(*MemoryStore)
		assert.True(t, ok)
		assert.Equal(t, cfg.Embeddings.Dimension, s.Dimension())
		assert.Equal(t, IndexHNSW, s.Index().Strategy)
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := config.Default()
		cfg.VectorStore.Provider = "faiss"
		_, err := NewStore(context.Background(), cfg, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("qdrant rejects ivfflat", func(t *testing.T) {
		cfg := config.Default()
		cfg.VectorStore.Provider = "qdrant"
		cfg.VectorStore.Index.Strategy = "ivfflat"
		_, err := NewStore(context.Background(), cfg, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}
