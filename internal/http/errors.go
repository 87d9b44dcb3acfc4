package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/chakravyuh/internal/audit"
	"github.com/fyrsmithlabs/chakravyuh/internal/embeddings"
	"github.com/fyrsmithlabs/chakravyuh/internal/evaluation"
	"github.com/fyrsmithlabs/chakravyuh/internal/ingestion"
	"github.com/fyrsmithlabs/chakravyuh/internal/llm"
	"github.com/fyrsmithlabs/chakravyuh/internal/reasoning"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
	"github.com/fyrsmithlabs/chakravyuh/internal/service"
	"github.com/fyrsmithlabs/chakravyuh/internal/vectorstore"
	"github.com/fyrsmithlabs/chakravyuh/internal/versioning"
)

// statusMap is checked in order; the first match wins. A lost audit record
// is always a server error.
var statusMap = []struct {
	err    error
	status int
}{
	{audit.ErrAppendFailed, http.StatusInternalServerError},
	{service.ErrRejected, http.StatusForbidden},
	{reasoning.ErrReasoningUnavailable, http.StatusServiceUnavailable},
	{service.ErrEvaluationUnavailable, http.StatusServiceUnavailable},
	{service.ErrIngestionUnavailable, http.StatusServiceUnavailable},
	{service.ErrAuditUnavailable, http.StatusServiceUnavailable},
	{audit.ErrReadFailed, http.StatusServiceUnavailable},
	{vectorstore.ErrStorageUnavailable, http.StatusServiceUnavailable},
	{llm.ErrUnavailable, http.StatusServiceUnavailable},
	{embeddings.ErrRateLimited, http.StatusTooManyRequests},
	{llm.ErrRateLimited, http.StatusTooManyRequests},
	{embeddings.ErrTimeout, http.StatusGatewayTimeout},
	{llm.ErrTimeout, http.StatusGatewayTimeout},
	{retrieval.ErrEmptyQuery, http.StatusBadRequest},
	{retrieval.ErrInvalidFilters, http.StatusBadRequest},
	{service.ErrInvalidAuditFilter, http.StatusBadRequest},
	{vectorstore.ErrInvalidArgument, http.StatusBadRequest},
	{evaluation.ErrInvalidGoldenSet, http.StatusBadRequest},
	{ingestion.ErrInvalidDocument, http.StatusBadRequest},
	{versioning.ErrInvalidSource, http.StatusBadRequest},
	{vectorstore.ErrSchemaViolation, http.StatusUnprocessableEntity},
}

// StatusFor maps a service error to an HTTP status code.
func StatusFor(err error) int {
	for _, m := range statusMap {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
