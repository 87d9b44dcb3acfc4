package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Redaction is one masked span of the original text.
type Redaction struct {
	// Start and End are byte offsets into the unmasked text, End exclusive.
	Start int    `json:"start"`
	End   int    `json:"end"`
	Type  string `json:"type"`
	// Replacement is the placeholder written in place of the span.
	Replacement string `json:"replacement"`
}

// Masker replaces sensitive spans with placeholders. Implementations must
// be safe for concurrent use.
type Masker interface {
	Mask(text string) (string, []Redaction)
}

// Placeholder returns the fixed replacement for a PII type.
func Placeholder(piiType string) string {
	return "[REDACTED:" + piiType + "]"
}

type piiPattern struct {
	piiType string
	re      *regexp.Regexp
}

// DefaultPIIPatterns returns the built-in PII expressions keyed by type.
func DefaultPIIPatterns() map[string]string {
	return map[string]string{
		"email":          `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		"phone":          `(?:\(\d{3}\)\s*|\b\d{3}[-.])\d{3}[-.]\d{4}\b`,
		"ssn":            `\b\d{3}-\d{2}-\d{4}\b`,
		"credit_card":    `\b(?:\d{4}[- ]?){3}\d{4}\b`,
		"ipv4":           `\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`,
		"mac":            `\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`,
		"dob":            `\b(?:\d{1,2}/\d{1,2}/\d{4}|\d{4}-\d{2}-\d{2})\b`,
		"aws_access_key": `\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`,
		"bearer_token":   `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		"private_key":    `-----BEGIN (?:[A-Z]+ )*PRIVATE KEY-----[\s\S]*?-----END (?:[A-Z]+ )*PRIVATE KEY-----`,
	}
}

// PIIMasker masks regex PII matches and, when a SecretScanner is set,
// credentials found by it.
type PIIMasker struct {
	patterns []piiPattern
	secrets  SecretScanner
}

var _ Masker = (*PIIMasker)(nil)

// MaskerOption configures a PIIMasker.
type MaskerOption func(*PIIMasker)

// WithSecretScanner adds a credential scanning pass.
func WithSecretScanner(s SecretScanner) MaskerOption {
	return func(m *PIIMasker) { m.secrets = s }
}

// NewPIIMasker compiles DefaultPIIPatterns overlaid with extra. An entry in
// extra with an empty expression disables that built-in type.
func NewPIIMasker(extra map[string]string, opts ...MaskerOption) (*PIIMasker, error) {
	merged := DefaultPIIPatterns()
	for k, v := range extra {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	types := make([]string, 0, len(merged))
	for k := range merged {
		types = append(types, k)
	}
	sort.Strings(types)

	m := &PIIMasker{patterns: make([]piiPattern, 0, len(types))}
	for _, t := range types {
		re, err := regexp.Compile(merged[t])
		if err != nil {
			return nil, fmt.Errorf("%w: pii pattern %q: %v", ErrInvalidPolicy, t, err)
		}
		m.patterns = append(m.patterns, piiPattern{piiType: t, re: re})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mask implements Masker. Overlapping or adjacent spans are merged and take
// the type of the earliest match.
func (m *PIIMasker) Mask(text string) (string, []Redaction) {
	if text == "" {
		return text, nil
	}

	spans := make([]Redaction, 0)
	for _, p := range m.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Redaction{Start: loc[0], End: loc[1], Type: p.piiType})
		}
	}
	if m.secrets != nil {
		for _, f := range m.secrets.Scan(text) {
			spans = append(spans, locate(text, f.Secret)...)
		}
	}
	if len(spans) == 0 {
		return text, nil
	}

	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].Start < spans[j].Start
	})
	merged := mergeSpans(spans)

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for i := range merged {
		merged[i].Replacement = Placeholder(merged[i].Type)
		b.WriteString(text[prev:merged[i].Start])
		b.WriteString(merged[i].Replacement)
		prev = merged[i].End
	}
	b.WriteString(text[prev:])
	return b.String(), merged
}

// locate finds every occurrence of secret in text.
func locate(text, secret string) []Redaction {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	var out []Redaction
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], secret)
		if i < 0 {
			break
		}
		start := offset + i
		out = append(out, Redaction{Start: start, End: start + len(secret), Type: SecretType})
		offset = start + len(secret)
	}
	return out
}

// mergeSpans merges overlapping or adjacent spans. Input must be sorted by
// Start ascending.
func mergeSpans(spans []Redaction) []Redaction {
	merged := []Redaction{spans[0]}
	for _, curr := range spans[1:] {
		last := &merged[len(merged)-1]
		if curr.Start <= last.End {
			if curr.End > last.End {
				last.End = curr.End
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}

// NopMasker returns text unchanged.
type NopMasker struct{}

// Mask implements Masker.
func (NopMasker) Mask(text string) (string, []Redaction) { return text, nil }
