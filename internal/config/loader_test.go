package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the allowed config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "chakravyuh")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.VectorStore.Provider)
	assert.Equal(t, "hnsw", cfg.VectorStore.Index.Strategy)
	assert.Equal(t, 1536, cfg.Embeddings.Dimension)
	assert.Equal(t, 800, cfg.Chunking.MaxTokens)
	assert.Equal(t, 100, cfg.Chunking.OverlapTokens)
	assert.Equal(t, 5, cfg.Retrieval.DefaultK)
	assert.Equal(t, 5, cfg.Reasoning.MaxFindings)
	assert.Equal(t, 3000, cfg.Reasoning.ContextTokenBudget)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 9000
embeddings:
  provider: hash
  dimension: 64
  timeout: 5s
vectorstore:
  provider: memory
  index:
    strategy: ivfflat
    lists: 50
security:
  roles:
    auditor: [query]
`, 0600)

	t.Setenv("CHAKRAVYUH_SERVER_HTTP_PORT", "9191")
	t.Setenv("CHAKRAVYUH_LLM_API_KEY", "sk-test")
	t.Setenv("CHAKRAVYUH_VECTORSTORE__INDEX__PROBES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "hash", cfg.Embeddings.Provider)
	assert.Equal(t, 64, cfg.Embeddings.Dimension)
	assert.Equal(t, 5*time.Second, cfg.Embeddings.Timeout.Duration())
	assert.Equal(t, "ivfflat", cfg.VectorStore.Index.Strategy)
	assert.Equal(t, 50, cfg.VectorStore.Index.Lists)
	assert.Equal(t, 7, cfg.VectorStore.Index.Probes)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.LLM.APIKey.String())
	assert.Equal(t, []string{"query"}, cfg.Security.Roles["auditor"])
}

func TestLoad_RejectsInvalidFiles(t *testing.T) {
	t.Run("outside allowed dirs", func(t *testing.T) {
		setupTestHome(t)
		_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config path validation failed")
	})

	t.Run("path traversal", func(t *testing.T) {
		dir := setupTestHome(t)
		_, err := Load(filepath.Join(dir, "..", "..", "evil.yaml"))
		require.Error(t, err)
	})

	t.Run("insecure permissions", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission model differs on windows")
		}
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "server:\n  http_port: 9000\n", 0644)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("too large", func(t *testing.T) {
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "# "+strings.Repeat("x", maxConfigFileSize), 0600)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir := setupTestHome(t)
		path := writeConfig(t, dir, "server: [unclosed", 0600)
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CHAKRAVYUH_SERVER_HTTP_PORT":           "server.http_port",
		"CHAKRAVYUH_LLM_API_KEY":                "llm.api_key",
		"CHAKRAVYUH_VECTORSTORE__POSTGRES__DSN": "vectorstore.postgres.dsn",
		"CHAKRAVYUH_AUDIT":                      "audit",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, envKey(in))
		})
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/audit")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "audit"), got)

	got, err = ExpandPath("/var/log/audit")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/audit", got)
}

func TestLoad_PathFromEnv(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  default_k: 9\n"), 0600))
	t.Setenv(PathEnv, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retrieval.DefaultK)

	t.Setenv(PathEnv, filepath.Join(t.TempDir(), "elsewhere.yaml"))
	_, err = Load("")
	assert.Error(t, err)
}

func TestEffective_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-live-abc123"
	cfg.VectorStore.Postgres.DSN = "postgres://chakra:hunter2@db:5432/corpus"

	out, err := Effective(cfg)
	require.NoError(t, err)

	text := string(out)
	assert.NotContains(t, text, "sk-live-abc123")
	assert.NotContains(t, text, "hunter2")
	assert.Contains(t, text, "[REDACTED]")
	assert.Contains(t, text, "http_port: 8088")
}
