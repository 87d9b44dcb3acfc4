// Package audit records one immutable entry per query-path request and
// reads them back for administrators.
//
// Records carry only masked material: the query is stored as the hex
// SHA-256 of its masked form and error text is masked before it is
// appended. Sinks are append-only.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
)

// ErrAppendFailed indicates a record could not be persisted.
var ErrAppendFailed = errors.New("audit append failed")

// Operation names the request type.
type Operation string

// Operations.
const (
	OperationAsk      Operation = "ask"
	OperationSearch   Operation = "search"
	OperationEvaluate Operation = "evaluate"
	OperationIngest   Operation = "ingest"
	OperationAudit    Operation = "audit"
)

// Outcome is the terminal state of a request.
type Outcome string

// Outcomes.
const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Verdict mirrors the gate decision.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Record is one audit entry.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Operation    Operation `json:"operation"`
	QueryHash    string    `json:"query_hash,omitempty"`
	Verdict      Verdict   `json:"verdict"`
	RetrievedIDs []string  `json:"retrieved_ids"`
	Structured   bool      `json:"structured"`
	Outcome      Outcome   `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	Redactions   int       `json:"redactions,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// QueryHash returns the hex SHA-256 of an already masked query.
func QueryHash(maskedQuery string) string {
	sum := sha256.Sum256([]byte(maskedQuery))
	return hex.EncodeToString(sum[:])
}

// Sink persists records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// New creates the configured sink.
func New(cfg config.AuditConfig, logger *logging.Logger) (Sink, error) {
	switch cfg.Sink {
	case "memory":
		return NewMemorySink(), nil
	case "file", "":
		dir, err := config.ExpandPath(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return NewFileSink(dir, logger)
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}
