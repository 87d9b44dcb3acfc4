package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// FileName returns the daily file name for t (UTC).
func FileName(t time.Time) string {
	return "audit_" + t.UTC().Format("2006-01-02") + ".jsonl"
}

// FileSink appends JSON lines to one file per UTC day.
type FileSink struct {
	dir    string
	logger *logging.Logger
	now    func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates dir with owner-only permissions.
func NewFileSink(dir string, logger *logging.Logger) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit directory required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	if err := os.Chmod(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("restricting audit directory: %w", err)
	}
	return &FileSink{dir: dir, logger: logger.Named("audit"), now: time.Now}, nil
}

// Append writes rec as one line. Writes are serialized.
func (s *FileSink) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record: %v", ErrAppendFailed, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.current(rec.Timestamp)
	if err != nil {
		s.logger.Error(ctx, "audit file unavailable", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if _, err := f.Write(line); err != nil {
		s.logger.Error(ctx, "audit write failed", zap.String("path", f.Name()), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return nil
}

// current returns the open file for ts, rotating on day change.
// Caller holds s.mu.
func (s *FileSink) current(ts time.Time) (*os.File, error) {
	name := FileName(ts)
	if s.file != nil && s.day == name {
		return s.file, nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, err
	}
	s.file, s.day = f, name
	return f, nil
}

// Dir returns the audit directory.
func (s *FileSink) Dir() string { return s.dir }

// Close closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
