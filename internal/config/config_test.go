package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "unknown vector store",
			mutate:  func(c *Config) { c.VectorStore.Provider = "faiss" },
			wantErr: "vectorstore.provider",
		},
		{
			name:    "unknown index strategy",
			mutate:  func(c *Config) { c.VectorStore.Index.Strategy = "flat" },
			wantErr: "vectorstore.index.strategy",
		},
		{
			name: "ivfflat on qdrant",
			mutate: func(c *Config) {
				c.VectorStore.Provider = "qdrant"
				c.VectorStore.Index.Strategy = "ivfflat"
			},
			wantErr: "not supported by qdrant",
		},
		{
			name:    "pgvector without dsn",
			mutate:  func(c *Config) { c.VectorStore.Provider = "pgvector" },
			wantErr: "postgres.dsn",
		},
		{
			name:    "overlap not below max tokens",
			mutate:  func(c *Config) { c.Chunking.OverlapTokens = c.Chunking.MaxTokens },
			wantErr: "chunking.overlap_tokens",
		},
		{
			name:    "non-positive dimension",
			mutate:  func(c *Config) { c.Embeddings.Dimension = -1 },
			wantErr: "embeddings.dimension",
		},
		{
			name:    "tei without base url",
			mutate:  func(c *Config) { c.Embeddings.Provider = "tei" },
			wantErr: "embeddings.base_url",
		},
		{
			name:    "default k above max",
			mutate:  func(c *Config) { c.Retrieval.DefaultK = c.Retrieval.MaxK + 1 },
			wantErr: "retrieval.default_k",
		},
		{
			name:    "unknown audit sink",
			mutate:  func(c *Config) { c.Audit.Sink = "syslog" },
			wantErr: "audit.sink",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_NeverPrintsValue(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", s.GoString())
	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(b))
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, "1m30s", d.Duration().String())
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	require.NoError(t, d.UnmarshalText([]byte("45")))
	assert.Equal(t, 45*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-3")))
}

func TestSecret_UnmarshalText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openai.key")
	require.NoError(t, os.WriteFile(path, []byte("sk-from-file\n"), 0o600))
	t.Setenv("CHAKRAVYUH_TEST_DSN", "postgres://u:p@db/chakravyuh")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "literal", in: "sk-literal", want: "sk-literal"},
		{name: "file", in: "file:" + path, want: "sk-from-file"},
		{name: "env", in: "env:CHAKRAVYUH_TEST_DSN", want: "postgres://u:p@db/chakravyuh"},
		{name: "missing file", in: "file:" + filepath.Join(dir, "nope"), wantErr: true},
		{name: "unset env", in: "env:CHAKRAVYUH_TEST_UNSET", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Secret
			err := s.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Value())
		})
	}
}
