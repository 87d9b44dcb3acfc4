package ingestion

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chakravyuh/internal/ignore"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func sourceIDs(docs []Document) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.SourceID)
	}
	sort.Strings(ids)
	return ids
}

func TestReadDir(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".chakravyuhignore":      "drafts/\n*.bak\n",
		"aws/s3/encryption.md":   "Enable SSE-KMS.",
		"aws/iam/roles.txt":      "Use roles, not users.",
		"aws/kms.bak":            "stale",
		"drafts/vpc.md":          "unreviewed",
		"records.jsonl":          `{"source_id":"gcp-kms","raw_text":"CMEK."}` + "\n",
		"images/diagram.png":     "\x89PNG",
		"aws/s3/README.markdown": "Bucket policies.",
	})

	docs, err := ReadDir(root, DirOptions{ServiceName: "aws"})
	require.NoError(t, err)
	assert.Equal(t, []string{"aws/iam/roles", "aws/s3/README", "aws/s3/encryption", "gcp-kms"}, sourceIDs(docs))

	for _, d := range docs {
		if d.SourceID == "aws/s3/encryption" {
			assert.Equal(t, "Enable SSE-KMS.", d.RawText)
			assert.Equal(t, "aws", d.ServiceName)
			assert.Equal(t, "file://"+filepath.Join(root, "aws", "s3", "encryption.md"), d.URI)
		}
		if d.SourceID == "gcp-kms" {
			assert.Empty(t, d.ServiceName)
		}
	}
}

func TestReadDir_ExcludeOverride(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore": "*.md\n",
		"a.md":       "alpha",
		"b.txt":      "beta",
	})

	m, err := ignore.New([]string{"*.txt"})
	require.NoError(t, err)
	docs, err := ReadDir(root, DirOptions{Exclude: m})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, sourceIDs(docs))
}

func TestReadDir_InvalidRecords(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"bad.json": `{"source_id":`})

	_, err := ReadDir(root, DirOptions{})
	assert.ErrorIs(t, err, ErrInvalidDocument)
}
