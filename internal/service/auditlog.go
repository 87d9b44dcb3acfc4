package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/audit"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/security"
)

var (
	// ErrAuditUnavailable indicates the audit sink cannot be read back.
	ErrAuditUnavailable = errors.New("audit log unavailable")

	// ErrInvalidAuditFilter indicates an inverted time window.
	ErrInvalidAuditFilter = errors.New("invalid audit filter")
)

// AuditRequest is the input to AuditLog.
type AuditRequest struct {
	RequestID string             `json:"request_id,omitempty"`
	Filter    audit.Filter       `json:"-"`
	Principal security.Principal `json:"-"`
}

// AuditResponse carries matching audit records or a rejection.
type AuditResponse struct {
	RequestID string           `json:"request_id"`
	Verdict   security.Verdict `json:"verdict"`
	Records   []audit.Record   `json:"records"`
	Count     int              `json:"count"`
}

// AuditLog returns stored audit records, oldest first. It requires the
// audit capability and is itself audited.
func (s *Service) AuditLog(ctx context.Context, req AuditRequest) (*AuditResponse, error) {
	ctx, span := tracer.Start(ctx, "Service.AuditLog")
	defer span.End()

	r := s.begin(ctx, audit.OperationAudit, req.RequestID, req.Principal, "")
	ctx = r.ctx
	resp := &AuditResponse{RequestID: r.rec.RequestID, Records: []audit.Record{}}

	if v := s.gate.Admit(ctx, req.Principal, "", security.CapabilityAudit); !v.Allowed {
		verdict, err := r.reject(v)
		if err != nil {
			return nil, err
		}
		resp.Verdict = verdict
		return resp, nil
	}
	reader, ok := s.audit.(audit.Reader)
	if !ok {
		return nil, r.fail(ErrAuditUnavailable)
	}
	if !req.Filter.Since.IsZero() && !req.Filter.Until.IsZero() && req.Filter.Until.Before(req.Filter.Since) {
		return nil, r.fail(fmt.Errorf("%w: until is before since", ErrInvalidAuditFilter))
	}

	records, err := reader.Read(ctx, req.Filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit read failed")
		return nil, r.fail(err)
	}
	for i := range records {
		r.rec.Redactions += s.maskRecord(&records[i])
	}

	v := security.Allow()
	if err := r.deliver(v); err != nil {
		return nil, err
	}
	resp.Verdict = v
	resp.Records = records
	resp.Count = len(records)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// maskRecord masks the free text and identifiers of a stored record on its
// way out and returns the number of redactions.
func (s *Service) maskRecord(rec *audit.Record) int {
	n := 0
	mask := func(v string) string {
		masked, redactions := s.gate.Mask(v)
		n += len(redactions)
		return masked
	}
	rec.UserID = mask(rec.UserID)
	rec.Error = mask(rec.Error)
	rec.Verdict.Reason = mask(rec.Verdict.Reason)
	for i, id := range rec.RetrievedIDs {
		rec.RetrievedIDs[i] = mask(id)
	}
	return n
}

// RejectRequest describes a request refused before it reached an
// operation, such as one with no principal or an unreadable body.
type RejectRequest struct {
	RequestID string
	Operation audit.Operation
	UserID    string
	Reason    string
}

// Reject audits a transport level refusal and returns the verdict with a
// masked reason. A user ID that is not well formed is not recorded.
func (s *Service) Reject(ctx context.Context, req RejectRequest) (security.Verdict, error) {
	userID := req.UserID
	if logging.ValidateID(userID, "user id") != nil {
		userID = ""
	}
	r := s.begin(ctx, req.Operation, req.RequestID, security.Principal{UserID: userID}, "")
	s.logger.Warn(r.ctx, "request refused", zap.String("reason", s.gate.MaskString(req.Reason)))
	return r.reject(security.Reject(req.Reason))
}
