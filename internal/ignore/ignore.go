// Package ignore matches corpus paths against gitignore-style exclude files.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultFiles are the exclude files read from a corpus root.
var DefaultFiles = []string{".chakravyuhignore", ".gitignore"}

// DefaultPatterns apply when a corpus root has no exclude files.
var DefaultPatterns = []string{".git/", "node_modules/", "*.tmp", ".DS_Store"}

type rule struct {
	glob    string
	negate  bool
	dirOnly bool
}

// Matcher decides whether a slash-separated path relative to the corpus
// root is excluded. The last matching rule wins; a "!" rule re-includes.
type Matcher struct {
	rules []rule
}

// New compiles patterns. Invalid globs are rejected.
func New(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		r, ok := parseLine(p)
		if !ok {
			continue
		}
		if !doublestar.ValidatePattern(r.glob) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Load reads every file in files under root and compiles their rules.
// When none of them exist the fallback patterns are used.
func Load(root string, files, fallback []string) (*Matcher, error) {
	var patterns []string
	found := false
	for _, name := range files {
		lines, err := readLines(filepath.Join(root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, lines...)
		found = true
	}
	if !found {
		patterns = fallback
	}
	return New(patterns)
}

// Match reports whether rel is excluded.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	excluded := false
	for _, r := range m.rules {
		if !r.matches(rel, isDir) {
			continue
		}
		excluded = !r.negate
	}
	return excluded
}

// matches also covers paths below a matched directory.
func (r rule) matches(rel string, isDir bool) bool {
	if ok, _ := doublestar.Match(r.glob, rel); ok && (isDir || !r.dirOnly) {
		return true
	}
	ok, _ := doublestar.Match(r.glob+"/**", rel)
	return ok
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// parseLine converts one gitignore line to a rule. Comments and blank
// lines yield ok=false.
func parseLine(line string) (rule, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	var r rule
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if line == "" {
		return rule{}, false
	}

	// A leading slash or an inner slash anchors the pattern to the root.
	anchored := strings.HasPrefix(line, "/") || strings.Contains(line, "/")
	line = strings.TrimPrefix(line, "/")
	if !anchored && !strings.HasPrefix(line, "**/") {
		line = "**/" + line
	}
	r.glob = line
	return r, true
}
