package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
)

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestQueryHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", QueryHash(""))
	assert.Len(t, QueryHash("encryption for S3"), 64)
	assert.NotEqual(t, QueryHash("a"), QueryHash("b"))
}

func TestFileName(t *testing.T) {
	ts := time.Date(2026, 3, 9, 23, 59, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "audit_2026-03-10.jsonl", FileName(ts))
}

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "audit")

	sink, err := NewFileSink(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	day1 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	require.NoError(t, sink.Append(ctx, Record{
		Timestamp:    day1,
		RequestID:    "r1",
		UserID:       "u1",
		Operation:    OperationSearch,
		QueryHash:    QueryHash("q"),
		Verdict:      Verdict{Allowed: true},
		RetrievedIDs: []string{"s3#00000"},
		Outcome:      OutcomeDelivered,
	}))
	require.NoError(t, sink.Append(ctx, Record{
		Timestamp: day1.Add(time.Minute),
		RequestID: "r2",
		Operation: OperationEvaluate,
		Verdict:   Verdict{Reason: "insufficient role"},
		Outcome:   OutcomeRejected,
	}))
	require.NoError(t, sink.Append(ctx, Record{Timestamp: day2, RequestID: "r3", Outcome: OutcomeFailed}))

	first := filepath.Join(dir, "audit_2026-01-02.jsonl")
	records := readLines(t, first)
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].RequestID)
	assert.Equal(t, []string{"s3#00000"}, records[0].RetrievedIDs)
	assert.Equal(t, "insufficient role", records[1].Verdict.Reason)
	assert.False(t, records[1].Verdict.Allowed)

	info, err = os.Stat(first)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second := readLines(t, filepath.Join(dir, "audit_2026-01-03.jsonl"))
	require.Len(t, second, 1)
	assert.Equal(t, OutcomeFailed, second[0].Outcome)
}

func TestFileSink_AppendsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := range 2 {
		sink, err := NewFileSink(dir, nil)
		require.NoError(t, err)
		require.NoError(t, sink.Append(ctx, Record{Timestamp: ts, RequestID: string(rune('a' + i))}))
		require.NoError(t, sink.Close())
	}

	records := readLines(t, filepath.Join(dir, FileName(ts)))
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].RequestID)
	assert.Equal(t, "b", records[1].RequestID)
}

func TestFileSink_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir, nil)
	require.NoError(t, err)
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Append(ctx, Record{Timestamp: ts, Operation: OperationAsk}))
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	assert.Len(t, readLines(t, filepath.Join(dir, FileName(ts))), 50)
}

func TestMemorySink(t *testing.T) {
	m := NewMemorySink()
	ids := []string{"a#00000"}
	require.NoError(t, m.Append(context.Background(), Record{RequestID: "x", RetrievedIDs: ids}))
	ids[0] = "mutated"

	records := m.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "a#00000", records[0].RetrievedIDs[0])
	assert.False(t, records[0].Timestamp.IsZero())
	assert.NoError(t, m.Close())
}

func TestNew(t *testing.T) {
	cfg := config.Default().Audit

	cfg.Sink = "memory"
	s, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemorySink{}, s)

	cfg.Sink = "file"
	cfg.Dir = t.TempDir()
	s, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)
	assert.NoError(t, s.Close())

	cfg.Sink = "syslog"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}
