package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTEI(t *testing.T) {
	tests := []struct {
		name       string
		cfg        TEIConfig
		wantErr    bool
		errMessage string
	}{
		{
			name: "valid TEI configuration",
			cfg:  TEIConfig{BaseURL: "http://localhost:8080", Model: "BAAI/bge-small-en-v1.5", Dimension: 384},
		},
		{
			name:       "empty base URL",
			cfg:        TEIConfig{Model: "test", Dimension: 384},
			wantErr:    true,
			errMessage: "base URL required",
		},
		{
			name:       "missing dimension",
			cfg:        TEIConfig{BaseURL: "http://localhost:8080"},
			wantErr:    true,
			errMessage: "dimension must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tei, err := NewTEI(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Contains(t, err.Error(), tt.errMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Dimension, tei.Dimension())
			assert.Equal(t, "tei:"+tt.cfg.Model, tei.Model())
			assert.NoError(t, tei.Close())
		})
	}
}

func newTEIServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("busy"))
			return
		}
		var req struct {
			Inputs   json.RawMessage `json:"inputs"`
			Truncate bool            `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		var texts []string
		require.NoError(t, json.Unmarshal(req.Inputs, &texts))
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{float32(i), 1, 0}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTEI_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("documents", func(t *testing.T) {
		srv := newTEIServer(t, http.StatusOK)
		s, err := NewTEI(TEIConfig{BaseURL: srv.URL + "/", Model: "m", APIKey: "secret", Dimension: 3})
		require.NoError(t, err)

		vectors, err := s.EmbedDocuments(ctx, []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{0, 1, 0}, {1, 1, 0}}, vectors)
	})

	t.Run("query", func(t *testing.T) {
		srv := newTEIServer(t, http.StatusOK)
		s, err := NewTEI(TEIConfig{BaseURL: srv.URL, Model: "m", APIKey: "secret", Dimension: 3})
		require.NoError(t, err)

		v, err := s.EmbedQuery(ctx, "q")
		require.NoError(t, err)
		assert.Len(t, v, 3)
	})

	t.Run("empty input", func(t *testing.T) {
		s, err := NewTEI(TEIConfig{BaseURL: "http://unused", Dimension: 3})
		require.NoError(t, err)
		_, err = s.EmbedDocuments(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyInput)
		_, err = s.EmbedQuery(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		srv := newTEIServer(t, http.StatusOK)
		s, err := NewTEI(TEIConfig{BaseURL: srv.URL, Model: "m", APIKey: "secret", Dimension: 4})
		require.NoError(t, err)
		_, err = s.EmbedDocuments(ctx, []string{"a"})
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
		assert.Contains(t, err.Error(), "dimension 3, want 4")
	})

	t.Run("status classification", func(t *testing.T) {
		cases := map[int]error{
			http.StatusTooManyRequests:     ErrRateLimited,
			http.StatusGatewayTimeout:      ErrTimeout,
			http.StatusInternalServerError: ErrEmbeddingFailed,
		}
		for status, want := range cases {
			srv := newTEIServer(t, status)
			s, err := NewTEI(TEIConfig{BaseURL: srv.URL, Model: "m", APIKey: "secret", Dimension: 3})
			require.NoError(t, err)
			_, err = s.EmbedQuery(ctx, "q")
			assert.ErrorIs(t, err, want, "status %d", status)
		}
	})
}

func TestTEI_EmbedIntegration(t *testing.T) {
	baseURL := os.Getenv("TEI_BASE_URL")
	if testing.Short() || baseURL == "" {
		t.Skip("TEI_BASE_URL not set")
	}
	s, err := NewTEI(TEIConfig{BaseURL: baseURL, Model: "BAAI/bge-small-en-v1.5", Dimension: 384})
	require.NoError(t, err)

	vectors, err := s.EmbedDocuments(context.Background(), []string{"S3 encryption", "IAM policies"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], 384)
}
