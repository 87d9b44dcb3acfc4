package ingestion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/chakravyuh/internal/ignore"
)

// ErrInvalidDocument indicates an unreadable document payload.
var ErrInvalidDocument = errors.New("invalid document")

// maxLineBytes bounds a single JSONL line.
const maxLineBytes = 16 << 20

// ReadDocuments decodes a JSON object, a JSON array of objects, or JSON
// lines.
func ReadDocuments(r io.Reader) ([]Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading documents: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var docs []Document
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return docs, nil
	}

	var docs []Document
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			// A single pretty-printed object spans lines.
			if line == 1 {
				var single Document
				if json.Unmarshal(trimmed, &single) == nil {
					return []Document{single}, nil
				}
			}
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidDocument, line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return docs, nil
}

// ReadFiles reads documents from each path in order.
func ReadFiles(paths ...string) ([]Document, error) {
	var all []Document
	for _, p := range paths {
		f, err := os.Open(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", p, err)
		}
		docs, err := ReadDocuments(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		all = append(all, docs...)
	}
	return all, nil
}

// TextExtensions are the plain-text file types ReadDir ingests whole.
var TextExtensions = []string{".md", ".markdown", ".txt", ".rst"}

// DirOptions controls ReadDir.
type DirOptions struct {
	// ServiceName is set on plain-text documents.
	ServiceName string
	// Exclude overrides the exclude files found under the root.
	Exclude *ignore.Matcher
}

// ReadDir walks root and returns one document per plain-text file plus the
// records of every .json and .jsonl file. Paths excluded by the root's
// .chakravyuhignore or .gitignore are skipped. A plain-text document's
// source id is its slash-separated path relative to root without the
// extension.
func ReadDir(root string, opts DirOptions) ([]Document, error) {
	root = filepath.Clean(root)
	exclude := opts.Exclude
	if exclude == nil {
		m, err := ignore.Load(root, ignore.DefaultFiles, ignore.DefaultPatterns)
		if err != nil {
			return nil, fmt.Errorf("loading exclude rules: %w", err)
		}
		exclude = m
	}

	var docs []Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if exclude.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		switch {
		case ext == ".json" || ext == ".jsonl":
			batch, err := ReadFiles(path)
			if err != nil {
				return err
			}
			docs = append(docs, batch...)
		case slices.Contains(TextExtensions, ext):
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			docs = append(docs, Document{
				SourceID:    strings.TrimSuffix(rel, filepath.Ext(rel)),
				RawText:     string(data),
				URI:         "file://" + path,
				ServiceName: opts.ServiceName,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}
