package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/audit"
	"github.com/fyrsmithlabs/chakravyuh/internal/evaluation"
	"github.com/fyrsmithlabs/chakravyuh/internal/reasoning"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
	"github.com/fyrsmithlabs/chakravyuh/internal/security"
)

// ErrEvaluationUnavailable indicates no evaluation runner is wired.
var ErrEvaluationUnavailable = errors.New("evaluation unavailable")

// AskRequest is the input to Ask.
type AskRequest struct {
	RequestID  string             `json:"request_id,omitempty"`
	Query      string             `json:"query"`
	K          int                `json:"k,omitempty"`
	Structured bool               `json:"structured,omitempty"`
	Filters    retrieval.Filters  `json:"filters"`
	Principal  security.Principal `json:"-"`
}

// AskResponse carries either an answer or a rejection.
type AskResponse struct {
	RequestID string            `json:"request_id"`
	Verdict   security.Verdict  `json:"verdict"`
	Answer    *reasoning.Answer `json:"answer,omitempty"`
}

// Ask answers a natural-language question. Structured answers additionally
// require the threat_model capability.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	ctx, span := tracer.Start(ctx, "Service.Ask")
	defer span.End()
	span.SetAttributes(attribute.Bool("structured", req.Structured), attribute.Int("k", req.K))

	r := s.begin(ctx, audit.OperationAsk, req.RequestID, req.Principal, req.Query)
	r.rec.Structured = req.Structured
	ctx = r.ctx
	resp := &AskResponse{RequestID: r.rec.RequestID}

	required := []security.Capability{security.CapabilityQuery}
	if req.Structured {
		required = append(required, security.CapabilityThreatModel)
	}
	if v := s.gate.Admit(ctx, req.Principal, req.Query, required...); !v.Allowed {
		span.SetAttributes(attribute.String("rejected", v.Reason))
		verdict, err := r.reject(v)
		if err != nil {
			return nil, err
		}
		resp.Verdict = verdict
		return resp, nil
	}

	result, err := s.retriever.Retrieve(ctx, req.Query, req.K, req.Filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, r.fail(err)
	}
	r.rec.RetrievedIDs = result.IDs()
	for i, id := range r.rec.RetrievedIDs {
		r.rec.RetrievedIDs[i] = s.gate.MaskString(id)
	}

	answer, err := s.reasoner.Answer(ctx, req.Query, result.Evidence, req.Structured)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reasoning failed")
		return nil, r.fail(err)
	}

	v := security.Allow()
	v.Redactions = s.maskAnswer(&answer, &r.rec)
	if err := r.deliver(v); err != nil {
		return nil, err
	}

	resp.Verdict = v
	resp.Answer = &answer
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// maskAnswer masks every string of answer, identifiers included. The
// returned redactions are those of the free-form text; the audit record
// counts all of them.
func (s *Service) maskAnswer(answer *reasoning.Answer, rec *audit.Record) []security.Redaction {
	var redactions []security.Redaction
	mask := func(text string) string {
		masked, found := s.gate.Mask(text)
		rec.Redactions += len(found)
		return masked
	}
	if answer.Text != "" {
		answer.Text, redactions = s.gate.Mask(answer.Text)
		rec.Redactions += len(redactions)
	}
	for i := range answer.Citations {
		answer.Citations[i] = mask(answer.Citations[i])
	}
	if answer.Report != nil {
		answer.Report.Rewrite(mask)
	}
	return redactions
}

// maskEvidence masks the text and every identifier of e.
func (s *Service) maskEvidence(e *retrieval.Evidence, rec *audit.Record) {
	for _, field := range []*string{&e.Text, &e.URI, &e.SourceID, &e.ChunkID, &e.ServiceName} {
		masked, found := s.gate.Mask(*field)
		*field = masked
		rec.Redactions += len(found)
	}
}

// SearchRequest is the input to Search.
type SearchRequest struct {
	RequestID string             `json:"request_id,omitempty"`
	Query     string             `json:"query"`
	K         int                `json:"k,omitempty"`
	Filters   retrieval.Filters  `json:"filters"`
	Principal security.Principal `json:"-"`
}

// SearchResponse carries ranked evidence or a rejection.
type SearchResponse struct {
	RequestID string               `json:"request_id"`
	Verdict   security.Verdict     `json:"verdict"`
	Evidence  []retrieval.Evidence `json:"evidence"`
}

// Search returns ranked evidence without synthesis. Evidence text and
// identifiers are masked.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "Service.Search")
	defer span.End()

	r := s.begin(ctx, audit.OperationSearch, req.RequestID, req.Principal, req.Query)
	ctx = r.ctx
	resp := &SearchResponse{RequestID: r.rec.RequestID, Evidence: []retrieval.Evidence{}}

	if v := s.gate.Admit(ctx, req.Principal, req.Query, security.CapabilitySearch); !v.Allowed {
		verdict, err := r.reject(v)
		if err != nil {
			return nil, err
		}
		resp.Verdict = verdict
		return resp, nil
	}

	result, err := s.retriever.Retrieve(ctx, req.Query, req.K, req.Filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, r.fail(err)
	}
	for i := range result.Evidence {
		s.maskEvidence(&result.Evidence[i], &r.rec)
	}
	r.rec.RetrievedIDs = result.IDs()

	v := security.Allow()
	if err := r.deliver(v); err != nil {
		return nil, err
	}
	resp.Verdict = v
	resp.Evidence = append(resp.Evidence, result.Evidence...)
	span.SetAttributes(attribute.Int("results", len(resp.Evidence)))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// EvaluateRequest is the input to Evaluate.
type EvaluateRequest struct {
	RequestID string                `json:"request_id,omitempty"`
	GoldenSet *evaluation.GoldenSet `json:"golden_set,omitempty"`
	Principal security.Principal    `json:"-"`
}

// EvaluateResponse carries the evaluation report or a rejection.
type EvaluateResponse struct {
	RequestID string             `json:"request_id"`
	Verdict   security.Verdict   `json:"verdict"`
	Report    *evaluation.Report `json:"report,omitempty"`
}

// Evaluate runs the golden set through retrieval. It requires the evaluate
// capability; a rejected caller triggers no retrieval.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	ctx, span := tracer.Start(ctx, "Service.Evaluate")
	defer span.End()

	r := s.begin(ctx, audit.OperationEvaluate, req.RequestID, req.Principal, "")
	ctx = r.ctx
	resp := &EvaluateResponse{RequestID: r.rec.RequestID}

	if v := s.gate.Admit(ctx, req.Principal, "", security.CapabilityEvaluate); !v.Allowed {
		verdict, err := r.reject(v)
		if err != nil {
			return nil, err
		}
		resp.Verdict = verdict
		return resp, nil
	}
	if s.evaluator == nil {
		return nil, r.fail(ErrEvaluationUnavailable)
	}

	set := req.GoldenSet
	if set == nil {
		set = s.golden
	}
	report, err := s.evaluator.Run(ctx, set)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		return nil, r.fail(err)
	}
	for _, c := range report.Cases {
		r.rec.RetrievedIDs = append(r.rec.RetrievedIDs, c.Retrieved...)
	}

	v := security.Allow()
	if err := r.deliver(v); err != nil {
		return nil, err
	}
	resp.Verdict = v
	resp.Report = report
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// HealthStatus reports component state.
type HealthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Documents  int               `json:"documents"`
}

// Health checks the vector store. It is not gated or audited.
func (s *Service) Health(ctx context.Context) HealthStatus {
	ctx, span := tracer.Start(ctx, "Service.Health")
	defer span.End()

	h := HealthStatus{Status: StatusOK, Components: map[string]string{"vectorstore": StatusOK}, Documents: -1}
	if err := s.store.Health(ctx); err != nil {
		h.Status = StatusDegraded
		h.Components["vectorstore"] = s.gate.MaskString(err.Error())
		s.logger.Warn(ctx, "vector store unhealthy", zap.Error(err))
		span.SetStatus(codes.Error, "vectorstore unhealthy")
		return h
	}
	if n, err := s.store.Count(ctx, nil); err == nil {
		h.Documents = n
	}
	return h
}
