package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/chakravyuh/internal/audit"
	"github.com/fyrsmithlabs/chakravyuh/internal/ingestion"
	"github.com/fyrsmithlabs/chakravyuh/internal/security"
)

// ErrIngestionUnavailable indicates no ingestion pipeline is wired.
var ErrIngestionUnavailable = errors.New("ingestion unavailable")

// IngestRequest is the input to Ingest.
type IngestRequest struct {
	RequestID string               `json:"request_id,omitempty"`
	Documents []ingestion.Document `json:"documents"`
	Principal security.Principal   `json:"-"`
}

// IngestResponse carries the batch report or a rejection.
type IngestResponse struct {
	RequestID string            `json:"request_id"`
	Verdict   security.Verdict  `json:"verdict"`
	Report    *ingestion.Report `json:"report,omitempty"`
}

// Ingest runs a batch through the pipeline. Document text is corpus
// content and is not screened by the adversarial detector. A batch with
// per-source failures is still delivered; the report lists them.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	ctx, span := tracer.Start(ctx, "Service.Ingest")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(req.Documents)))

	r := s.begin(ctx, audit.OperationIngest, req.RequestID, req.Principal, "")
	ctx = r.ctx
	resp := &IngestResponse{RequestID: r.rec.RequestID}

	if v := s.gate.Admit(ctx, req.Principal, "", security.CapabilityIngest); !v.Allowed {
		verdict, err := r.reject(v)
		if err != nil {
			return nil, err
		}
		resp.Verdict = verdict
		return resp, nil
	}
	if s.pipeline == nil {
		return nil, r.fail(ErrIngestionUnavailable)
	}

	report := s.pipeline.IngestBatch(ctx, req.Documents)
	for i := range report.Results {
		if report.Results[i].Error != "" {
			report.Results[i].Error = s.gate.MaskString(report.Results[i].Error)
		}
		if report.Results[i].Status == ingestion.StatusIngested {
			r.rec.RetrievedIDs = append(r.rec.RetrievedIDs, report.Results[i].SourceID)
		}
	}

	v := security.Allow()
	if err := r.deliver(v); err != nil {
		return nil, err
	}
	resp.Verdict = v
	resp.Report = &report
	span.SetAttributes(attribute.Int("failed", report.Failed))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// RemoveRequest is the input to Remove.
type RemoveRequest struct {
	RequestID string             `json:"request_id,omitempty"`
	SourceID  string             `json:"source_id"`
	Principal security.Principal `json:"-"`
}

// Remove deletes a source and its fingerprint.
func (s *Service) Remove(ctx context.Context, req RemoveRequest) (security.Verdict, error) {
	ctx, span := tracer.Start(ctx, "Service.Remove")
	defer span.End()

	r := s.begin(ctx, audit.OperationIngest, req.RequestID, req.Principal, "")
	ctx = r.ctx

	if v := s.gate.Admit(ctx, req.Principal, "", security.CapabilityIngest); !v.Allowed {
		return r.reject(v)
	}
	if s.pipeline == nil {
		return security.Verdict{}, r.fail(ErrIngestionUnavailable)
	}
	if err := s.pipeline.Remove(ctx, req.SourceID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove failed")
		return security.Verdict{}, r.fail(err)
	}
	r.rec.RetrievedIDs = []string{req.SourceID}

	v := security.Allow()
	if err := r.deliver(v); err != nil {
		return security.Verdict{}, err
	}
	return v, nil
}
