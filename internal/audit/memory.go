package audit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemorySink keeps records in process.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.RetrievedIDs = slices.Clone(rec.RetrievedIDs)
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything appended so far.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// Close implements Sink.
func (m *MemorySink) Close() error { return nil }
