package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// ErrReadFailed indicates stored records could not be read back.
var ErrReadFailed = errors.New("audit read failed")

// Read limits.
const (
	DefaultReadLimit = 100
	MaxReadLimit     = 1000
)

// Filter selects records for Read. Zero fields do not filter; Since and
// Until are inclusive.
type Filter struct {
	UserID    string
	Operation Operation
	Since     time.Time
	Until     time.Time
	Limit     int
}

// EffectiveLimit clamps Limit to [1, MaxReadLimit], defaulting to
// DefaultReadLimit.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultReadLimit
	case f.Limit > MaxReadLimit:
		return MaxReadLimit
	}
	return f.Limit
}

// Match reports whether rec passes every set field.
func (f Filter) Match(rec Record) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Operation != "" && rec.Operation != f.Operation {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Reader is implemented by sinks that can return what they stored.
// Records come back oldest first, at most Filter.EffectiveLimit of them.
type Reader interface {
	Read(ctx context.Context, filter Filter) ([]Record, error)
}

var (
	_ Reader = (*FileSink)(nil)
	_ Reader = (*MemorySink)(nil)
)

// Read scans the daily files in date order. Lines that do not decode are
// skipped.
func (s *FileSink) Read(ctx context.Context, filter Filter) ([]Record, error) {
	names, err := doublestar.Glob(os.DirFS(s.dir), "audit_*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrReadFailed, s.dir, err)
	}
	sort.Strings(names)

	limit := filter.EffectiveLimit()
	out := make([]Record, 0, min(limit, 64))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !dayOverlaps(name, filter) {
			continue
		}
		out, err = s.readFile(ctx, name, filter, limit, out)
		if err != nil {
			return nil, err
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *FileSink) readFile(ctx context.Context, name string, filter Filter, limit int, out []Record) ([]Record, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	skipped := 0
	for scanner.Scan() && len(out) < limit {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			skipped++
			continue
		}
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrReadFailed, name, err)
	}
	if skipped > 0 {
		s.logger.Warn(ctx, "skipped malformed audit lines", zap.String("file", name), zap.Int("count", skipped))
	}
	return out, nil
}

// dayOverlaps reports whether the UTC day a file covers intersects the
// filter window. Unparseable names are read.
func dayOverlaps(name string, filter Filter) bool {
	day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, "audit_"), ".jsonl"))
	if err != nil {
		return true
	}
	if !filter.Since.IsZero() && !day.Add(24*time.Hour).After(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && day.After(filter.Until) {
		return false
	}
	return true
}

// Read implements Reader.
func (m *MemorySink) Read(ctx context.Context, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := filter.EffectiveLimit()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if len(out) == limit {
			break
		}
		if filter.Match(rec) {
			rec.RetrievedIDs = slices.Clone(rec.RetrievedIDs)
			out = append(out, rec)
		}
	}
	return out, nil
}
