// Package security implements the request-time gate: adversarial-intent
// detection, role-based access control and PII masking of outbound text.
package security

import (
	"regexp"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Category classifies an adversarial detection.
type Category string

// Adversarial categories.
const (
	CategoryPromptInjection  Category = "prompt_injection"
	CategorySQLInjection     Category = "sql_injection"
	CategoryCommandInjection Category = "command_injection"
	CategoryPathTraversal    Category = "path_traversal"
)

// Detection is the result of scanning one input.
type Detection struct {
	Flagged  bool
	Category Category
	// Pattern is the expression that matched. Never echoed to callers.
	Pattern string
}

// Detector classifies text as adversarial or benign. Implementations must
// be pure and safe for concurrent use.
type Detector interface {
	Detect(text string) Detection
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(text string) Detection

// Detect implements Detector.
func (f DetectorFunc) Detect(text string) Detection { return f(text) }

type categoryRules struct {
	category Category
	patterns []*regexp.Regexp
}

// RegexDetector matches normalized input against per-category expressions.
type RegexDetector struct {
	rules []categoryRules
}

var _ Detector = (*RegexDetector)(nil)

// Categories are checked in this order; the first match wins.
var defaultDetectorRules = []struct {
	category Category
	patterns []string
}{
	{CategoryPromptInjection, []string{
		`(?i)\b(ignore|forget|disregard)\b.{0,40}\b(previous|above|prior|earlier)\b.{0,20}\b(instructions?|prompts?|rules|directions|context)\b`,
		`(?i)\b(ignore|forget|disregard)\s+(all|any|every)\s+(of\s+)?(the\s+|your\s+)?(instructions|rules|prompts)\b`,
		`(?i)\b(ignore|disregard|bypass|override)\b.{0,20}\b(system prompt|guardrails|safety (rules|policy|policies))\b`,
		`(?i)\b(you are now|from now on you are|act as an? unrestricted|pretend to be|roleplay as)\b`,
		`(?i)\b(new|updated|real) instructions\s*:`,
		`(?i)\b(jailbreak|do anything now|dan mode|developer mode enabled)\b`,
		`(?i)\bforget everything\b`,
		`(?i)\b(reveal|show|print|display|repeat|leak)\b.{0,30}\b(system prompt|your (instructions|prompt|rules)|hidden (instructions|prompt))\b`,
		`(?im)^\s*(system|assistant)\s*:`,
		`<\|[a-z_]{2,30}\|>`,
		`(?i)\[/?(inst|system)\]`,
	}},
	{CategorySQLInjection, []string{
		`(?i)\bunion\s+(all\s+)?select\b`,
		`(?i)\b(drop|truncate|alter)\s+(table|database|schema)\b`,
		`(?i);\s*(drop|delete|insert|update|select|exec)\b`,
		`(?i)'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+`,
		`(?i)\b(or|and)\s+1\s*=\s*1\b`,
		`'\s*(--|#|/\*)`,
		`(?i)\b(xp_cmdshell|pg_sleep|waitfor\s+delay|sleep\s*\(\s*\d+\s*\))`,
		`(?i)\binformation_schema\.`,
	}},
	{CategoryCommandInjection, []string{
		`[;&|]\s*(cat|ls|rm|curl|wget|nc|ncat|bash|sh|zsh|whoami|id|uname|chmod|chown|python3?|perl)\b`,
		`\$\([^)]+\)`,
		"`[^`]+`",
		`\$\{[^}]+\}`,
		`(?i)\brm\s+-[rf]{1,2}\s+/`,
		`(?i)\b(bash|sh|python3?|perl|powershell|cmd(\.exe)?)\s+(-c|/c|-command)\s`,
		`(?i)\b(curl|wget)\b[^|]*\|\s*(ba|z)?sh\b`,
	}},
	{CategoryPathTraversal, []string{
		`\.\.[/\\]`,
		`(?i)(\.\.|%2e%2e)(%2f|%5c)`,
		`(?i)%2e%2e[/\\]`,
		`(?i)/etc/(passwd|shadow|sudoers)\b`,
		`(?i)\b[a-z]:\\windows\\`,
		`(?i)/proc/self/`,
	}},
}

// NewRegexDetector compiles the built-in rule set.
func NewRegexDetector() *RegexDetector {
	d := &RegexDetector{rules: make([]categoryRules, 0, len(defaultDetectorRules))}
	for _, r := range defaultDetectorRules {
		cr := categoryRules{category: r.category}
		for _, p := range r.patterns {
			cr.patterns = append(cr.patterns, regexp.MustCompile(p))
		}
		d.rules = append(d.rules, cr)
	}
	return d
}

// Detect implements Detector.
func (d *RegexDetector) Detect(text string) Detection {
	normalized := Normalize(text)
	for _, r := range d.rules {
		for _, p := range r.patterns {
			if p.MatchString(normalized) {
				return Detection{Flagged: true, Category: r.category, Pattern: p.String()}
			}
		}
	}
	return Detection{}
}

// invisible covers zero-width characters (U+200B..U+200D, U+2060, U+FEFF),
// soft hyphens and the other format characters used to split keywords.
var invisible = runes.In(unicode.Cf)

// Normalize applies NFKC and removes invisible format characters.
func Normalize(text string) string {
	t := transform.Chain(norm.NFKC, runes.Remove(invisible))
	out, _, err := transform.String(t, text)
	if err != nil {
		return norm.NFKC.String(text)
	}
	return out
}
