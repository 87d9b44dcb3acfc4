// Package evaluation measures retrieval quality against a golden set.
package evaluation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
)

// ErrInvalidGoldenSet indicates an unreadable or empty golden set.
var ErrInvalidGoldenSet = errors.New("invalid golden set")

// Case is one golden query. Expected holds source ids or chunk ids that
// should appear in the top k.
type Case struct {
	ID          string   `yaml:"id" json:"id"`
	Query       string   `yaml:"query" json:"query"`
	Expected    []string `yaml:"expected" json:"expected"`
	ServiceName string   `yaml:"service_name,omitempty" json:"service_name,omitempty"`
}

// GoldenSet is a named list of cases.
type GoldenSet struct {
	Name  string `yaml:"name" json:"name"`
	K     int    `yaml:"k,omitempty" json:"k,omitempty"`
	Cases []Case `yaml:"cases" json:"cases"`
}

// Validate checks that every case has a query and at least one expectation.
func (g *GoldenSet) Validate() error {
	if len(g.Cases) == 0 {
		return fmt.Errorf("%w: no cases", ErrInvalidGoldenSet)
	}
	for i, c := range g.Cases {
		if strings.TrimSpace(c.Query) == "" {
			return fmt.Errorf("%w: case %d has no query", ErrInvalidGoldenSet, i)
		}
		if len(c.Expected) == 0 {
			return fmt.Errorf("%w: case %d has no expected ids", ErrInvalidGoldenSet, i)
		}
	}
	return nil
}

// DefaultGoldenSet covers the services the bundled corpus describes.
func DefaultGoldenSet() *GoldenSet {
	return &GoldenSet{
		Name: "builtin",
		Cases: []Case{
			{ID: "s3_encryption", Query: "How do I enable encryption at rest for S3 buckets?", Expected: []string{"s3"}},
			{ID: "s3_public", Query: "Block public access to an S3 bucket", Expected: []string{"s3"}},
			{ID: "iam_roles", Query: "Use IAM roles instead of long-lived credentials for EC2", Expected: []string{"iam"}},
			{ID: "kms_rotation", Query: "Rotate customer managed KMS keys", Expected: []string{"kms"}},
		},
	}
}

// LoadGoldenSet reads a golden set from YAML or JSON. An empty path returns
// DefaultGoldenSet.
func LoadGoldenSet(path string) (*GoldenSet, error) {
	if path == "" {
		return DefaultGoldenSet(), nil
	}
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(expanded))
	if err != nil {
		return nil, fmt.Errorf("reading golden set: %w", err)
	}
	return ParseGoldenSet(data)
}

// ParseGoldenSet decodes YAML, which also accepts JSON documents.
func ParseGoldenSet(data []byte) (*GoldenSet, error) {
	var g GoldenSet
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGoldenSet, err)
	}
	for i := range g.Cases {
		if g.Cases[i].ID == "" {
			g.Cases[i].ID = fmt.Sprintf("case-%d", i+1)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
