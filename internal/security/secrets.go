package security

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// SecretType is the redaction type used for scanner findings.
const SecretType = "secret"

// SecretFinding is a credential reported by a SecretScanner.
type SecretFinding struct {
	RuleID string
	Secret string
}

// SecretScanner finds credentials in free text.
type SecretScanner interface {
	Scan(text string) []SecretFinding
}

// Allowlist holds content expressions excluded from secret scanning.
type Allowlist struct {
	Regexes   []string
	StopWords []string
}

// LoadAllowlist reads a gitleaks-style TOML file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_KEY''']
//	stopwords = ["example"]
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var doc struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: allowlist %s: %v", ErrInvalidPolicy, path, err)
	}
	for _, pattern := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: allowlist pattern %q in %s: %v", ErrInvalidPolicy, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: doc.Allowlist.Regexes, StopWords: doc.Allowlist.StopWords}, nil
}

// GitleaksScanner runs the gitleaks default rule set over text.
type GitleaksScanner struct {
	// detect.Detector accumulates state across calls.
	mu       sync.Mutex
	detector *detect.Detector
}

var _ SecretScanner = (*GitleaksScanner)(nil)

// NewGitleaksScanner builds the detector once. allowlist may be nil.
func NewGitleaksScanner(allowlist *Allowlist) (*GitleaksScanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if allowlist != nil && (len(allowlist.Regexes) > 0 || len(allowlist.StopWords) > 0) {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &GitleaksScanner{detector: detector}, nil
}

// Scan implements SecretScanner.
func (g *GitleaksScanner) Scan(text string) []SecretFinding {
	g.mu.Lock()
	defer g.mu.Unlock()

	findings := g.detector.DetectString(text)
	out := make([]SecretFinding, 0, len(findings))
	for _, f := range findings {
		out = append(out, SecretFinding{RuleID: f.RuleID, Secret: f.Secret})
	}
	return out
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	entry := &gitleaksConfig.Allowlist{
		Description: "chakravyuh allowlist",
		StopWords:   allowlist.StopWords,
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: allowlist pattern %q: %v", ErrInvalidPolicy, pattern, err)
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, entry)
	return nil
}

