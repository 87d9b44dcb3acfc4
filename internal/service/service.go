// Package service orchestrates the query path and administrative
// operations.
//
// Every ask, search, evaluate and ingest request walks the same sequence:
// adversarial check, access check, work, outbound masking, then exactly one
// audit record. A rejection is a result, not an error; RejectionError
// converts it for transports that need one. Text leaving the service,
// including error messages and rejection reasons, is masked.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/audit"
	"github.com/fyrsmithlabs/chakravyuh/internal/evaluation"
	"github.com/fyrsmithlabs/chakravyuh/internal/ingestion"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/reasoning"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
	"github.com/fyrsmithlabs/chakravyuh/internal/security"
	"github.com/fyrsmithlabs/chakravyuh/internal/vectorstore"
)

var tracer = otel.Tracer("chakravyuh.service")

// ErrRejected is returned by RejectionError.
var ErrRejected = errors.New("request rejected")

// RejectionError converts a rejection verdict to an error wrapping
// ErrRejected. It returns nil for an allowed verdict.
func RejectionError(v security.Verdict) error {
	if v.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRejected, v.Reason)
}

// Options wires the service collaborators.
type Options struct {
	Gate      *security.Gate
	Retriever *retrieval.Retriever
	Reasoner  *reasoning.Reasoner
	Pipeline  *ingestion.Pipeline
	Evaluator *evaluation.Runner
	// GoldenSet is used when an evaluate request carries none.
	GoldenSet *evaluation.GoldenSet
	Store     vectorstore.Store
	Audit     audit.Sink
	Logger    *logging.Logger
}

// Service is the query API.
type Service struct {
	gate      *security.Gate
	retriever *retrieval.Retriever
	reasoner  *reasoning.Reasoner
	pipeline  *ingestion.Pipeline
	evaluator *evaluation.Runner
	golden    *evaluation.GoldenSet
	store     vectorstore.Store
	audit     audit.Sink
	logger    *logging.Logger
	now       func() time.Time
}

// New creates a Service. Pipeline and Evaluator are optional; the
// operations that need them fail when they are absent.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Gate == nil:
		return nil, errors.New("security gate is required")
	case opts.Retriever == nil:
		return nil, errors.New("retriever is required")
	case opts.Reasoner == nil:
		return nil, errors.New("reasoner is required")
	case opts.Store == nil:
		return nil, errors.New("vector store is required")
	case opts.Audit == nil:
		return nil, errors.New("audit sink is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	golden := opts.GoldenSet
	if golden == nil {
		golden = evaluation.DefaultGoldenSet()
	}
	return &Service{
		gate:      opts.Gate,
		retriever: opts.Retriever,
		reasoner:  opts.Reasoner,
		pipeline:  opts.Pipeline,
		evaluator: opts.Evaluator,
		golden:    golden,
		store:     opts.Store,
		audit:     opts.Audit,
		logger:    logger.Named("service"),
		now:       time.Now,
	}, nil
}

// request tracks one audited operation.
type request struct {
	s     *Service
	ctx   context.Context
	start time.Time
	rec   audit.Record
	done  bool
}

func (s *Service) begin(ctx context.Context, op audit.Operation, requestID string, p security.Principal, query string) *request {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = logging.WithRequestID(ctx, requestID)
	ctx = logging.WithUserID(ctx, p.UserID)
	ctx = logging.WithOperation(ctx, string(op))

	start := s.now()
	rec := audit.Record{
		Timestamp: start.UTC(),
		RequestID: requestID,
		UserID:    p.UserID,
		Operation: op,
	}
	if query != "" {
		rec.QueryHash = audit.QueryHash(s.gate.MaskString(query))
	}
	return &request{s: s, ctx: ctx, start: start, rec: rec}
}

// finish appends the audit record once.
func (r *request) finish(outcome audit.Outcome, v security.Verdict, cause error) error {
	if r.done {
		return nil
	}
	r.done = true
	r.rec.Outcome = outcome
	r.rec.Verdict = audit.Verdict{Allowed: v.Allowed, Reason: r.s.gate.MaskString(v.Reason)}
	if cause != nil {
		r.rec.Error = r.s.gate.MaskString(cause.Error())
	}
	r.rec.DurationMS = r.s.now().Sub(r.start).Milliseconds()
	RequestsTotal.WithLabelValues(string(r.rec.Operation), string(outcome)).Inc()

	if err := r.s.audit.Append(r.ctx, r.rec); err != nil {
		r.s.logger.Error(r.ctx, "audit append failed",
			zap.String("operation", string(r.rec.Operation)),
			zap.Error(err))
		return fmt.Errorf("%w: %w", audit.ErrAppendFailed, err)
	}
	return nil
}

// reject records a gate rejection. The verdict returned to the caller has
// a masked reason.
func (r *request) reject(v security.Verdict) (security.Verdict, error) {
	v.Reason = r.s.gate.MaskString(v.Reason)
	if err := r.finish(audit.OutcomeRejected, v, nil); err != nil {
		return v, err
	}
	return v, nil
}

// fail records a failure and returns the masked error.
func (r *request) fail(cause error) error {
	masked := r.s.maskError(cause)
	r.s.logger.Warn(r.ctx, "request failed",
		zap.String("operation", string(r.rec.Operation)),
		zap.Error(masked))
	if err := r.finish(audit.OutcomeFailed, security.Allow(), cause); err != nil {
		return errors.Join(masked, err)
	}
	return masked
}

func (r *request) deliver(v security.Verdict) error {
	return r.finish(audit.OutcomeDelivered, v, nil)
}

// maskedError keeps the chain for errors.Is while exposing masked text.
type maskedError struct {
	msg string
	err error
}

func (e *maskedError) Error() string { return e.msg }
func (e *maskedError) Unwrap() error { return e.err }

func (s *Service) maskError(err error) error {
	if err == nil {
		return nil
	}
	msg := s.gate.MaskString(err.Error())
	if msg == err.Error() {
		return err
	}
	return &maskedError{msg: msg, err: err}
}
