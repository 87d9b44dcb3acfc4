package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/chakravyuh/internal/audit"
	"github.com/fyrsmithlabs/chakravyuh/internal/evaluation"
	"github.com/fyrsmithlabs/chakravyuh/internal/ingestion"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
	"github.com/fyrsmithlabs/chakravyuh/internal/security"
	"github.com/fyrsmithlabs/chakravyuh/internal/service"
)

// AskBody is the POST /api/v1/ask payload.
type AskBody struct {
	Query      string            `json:"query"`
	K          int               `json:"k,omitempty"`
	Structured bool              `json:"structured,omitempty"`
	Filters    retrieval.Filters `json:"filters"`
}

// SearchBody is the POST /api/v1/search payload.
type SearchBody struct {
	Query   string            `json:"query"`
	K       int               `json:"k,omitempty"`
	Filters retrieval.Filters `json:"filters"`
}

// IngestBody is the POST /api/v1/ingest payload.
type IngestBody struct {
	Documents []ingestion.Document `json:"documents"`
}

// EvaluateBody is the POST /api/v1/evaluate payload. An absent golden set
// runs the configured one.
type EvaluateBody struct {
	GoldenSet *evaluation.GoldenSet `json:"golden_set,omitempty"`
}

// RemoveResponse is the DELETE /api/v1/sources/:id response.
type RemoveResponse struct {
	RequestID string           `json:"request_id"`
	SourceID  string           `json:"source_id"`
	Verdict   security.Verdict `json:"verdict"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// refuse audits a request turned away before it reached the service and
// answers with the status err carries.
func (s *Server) refuse(c echo.Context, op audit.Operation, err error) error {
	status, msg := http.StatusBadRequest, err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status, msg = he.Code, fmt.Sprint(he.Message)
	}
	v, aerr := s.api.Reject(c.Request().Context(), service.RejectRequest{
		RequestID: requestID(c),
		Operation: op,
		UserID:    strings.TrimSpace(c.Request().Header.Get(HeaderUserID)),
		Reason:    msg,
	})
	if aerr != nil {
		return s.failed(c, aerr)
	}
	return c.JSON(status, ErrorResponse{Error: v.Reason, RequestID: requestID(c)})
}

func (s *Server) handleHealth(c echo.Context) error {
	h := s.api.Health(c.Request().Context())
	status := http.StatusOK
	if h.Status != service.StatusOK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

func (s *Server) handleAsk(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.refuse(c, audit.OperationAsk, err)
	}
	var body AskBody
	if err := bind(c, &body); err != nil {
		return s.refuse(c, audit.OperationAsk, err)
	}
	resp, err := s.api.Ask(c.Request().Context(), service.AskRequest{
		RequestID:  requestID(c),
		Query:      body.Query,
		K:          body.K,
		Structured: body.Structured,
		Filters:    body.Filters,
		Principal:  p,
	})
	if err != nil {
		return s.failed(c, err)
	}
	return c.JSON(statusOf(resp.Verdict), resp)
}

func (s *Server) handleSearch(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.refuse(c, audit.OperationSearch, err)
	}
	var body SearchBody
	if err := bind(c, &body); err != nil {
		return s.refuse(c, audit.OperationSearch, err)
	}
	resp, err := s.api.Search(c.Request().Context(), service.SearchRequest{
		RequestID: requestID(c),
		Query:     body.Query,
		K:         body.K,
		Filters:   body.Filters,
		Principal: p,
	})
	if err != nil {
		return s.failed(c, err)
	}
	return c.JSON(statusOf(resp.Verdict), resp)
}

func (s *Server) handleIngest(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.refuse(c, audit.OperationIngest, err)
	}
	var body IngestBody
	if err := bind(c, &body); err != nil {
		return s.refuse(c, audit.OperationIngest, err)
	}
	resp, err := s.api.Ingest(c.Request().Context(), service.IngestRequest{
		RequestID: requestID(c),
		Documents: body.Documents,
		Principal: p,
	})
	if err != nil {
		return s.failed(c, err)
	}
	status := statusOf(resp.Verdict)
	if status == http.StatusOK && resp.Report != nil && resp.Report.Failed > 0 {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, resp)
}

func (s *Server) handleEvaluate(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.refuse(c, audit.OperationEvaluate, err)
	}
	var body EvaluateBody
	if c.Request().ContentLength != 0 {
		if err := bind(c, &body); err != nil {
			return s.refuse(c, audit.OperationEvaluate, err)
		}
	}
	resp, err := s.api.Evaluate(c.Request().Context(), service.EvaluateRequest{
		RequestID: requestID(c),
		GoldenSet: body.GoldenSet,
		Principal: p,
	})
	if err != nil {
		return s.failed(c, err)
	}
	return c.JSON(statusOf(resp.Verdict), resp)
}

func (s *Server) handleRemove(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.refuse(c, audit.OperationIngest, err)
	}
	id := c.Param("id")
	v, err := s.api.Remove(c.Request().Context(), service.RemoveRequest{
		RequestID: requestID(c),
		SourceID:  id,
		Principal: p,
	})
	if err != nil {
		return s.failed(c, err)
	}
	return c.JSON(statusOf(v), RemoveResponse{RequestID: requestID(c), SourceID: id, Verdict: v})
}

func (s *Server) handleAudit(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.refuse(c, audit.OperationAudit, err)
	}
	filter, err := auditFilter(c)
	if err != nil {
		return s.refuse(c, audit.OperationAudit, err)
	}
	resp, err := s.api.AuditLog(c.Request().Context(), service.AuditRequest{
		RequestID: requestID(c),
		Filter:    filter,
		Principal: p,
	})
	if err != nil {
		return s.failed(c, err)
	}
	return c.JSON(statusOf(resp.Verdict), resp)
}

// auditFilter reads user_id, operation, since, until and limit from the
// query string. Dates are RFC3339 or YYYY-MM-DD.
func auditFilter(c echo.Context) (audit.Filter, error) {
	f := audit.Filter{
		UserID:    c.QueryParam("user_id"),
		Operation: audit.Operation(c.QueryParam("operation")),
	}
	var err error
	if v := c.QueryParam("since"); v != "" {
		if f.Since, err = retrieval.ParseDate(v, false); err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339 or YYYY-MM-DD")
		}
	}
	if v := c.QueryParam("until"); v != "" {
		if f.Until, err = retrieval.ParseDate(v, true); err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "until must be RFC3339 or YYYY-MM-DD")
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > audit.MaxReadLimit {
			return f, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", audit.MaxReadLimit))
		}
		f.Limit = n
	}
	return f, nil
}
