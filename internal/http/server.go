// Package http exposes the query API over HTTP.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
	"github.com/fyrsmithlabs/chakravyuh/internal/security"
	"github.com/fyrsmithlabs/chakravyuh/internal/service"
)

// Principal headers set by the fronting identity proxy.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"
)

// API is the query service the server fronts.
type API interface {
	Ask(ctx context.Context, req service.AskRequest) (*service.AskResponse, error)
	Search(ctx context.Context, req service.SearchRequest) (*service.SearchResponse, error)
	Evaluate(ctx context.Context, req service.EvaluateRequest) (*service.EvaluateResponse, error)
	Ingest(ctx context.Context, req service.IngestRequest) (*service.IngestResponse, error)
	Remove(ctx context.Context, req service.RemoveRequest) (security.Verdict, error)
	AuditLog(ctx context.Context, req service.AuditRequest) (*service.AuditResponse, error)
	Reject(ctx context.Context, req service.RejectRequest) (security.Verdict, error)
	Health(ctx context.Context) service.HealthStatus
}

// Server provides HTTP endpoints for chakravyuh.
type Server struct {
	echo   *echo.Echo
	api    API
	logger *logging.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host      string
	Port      int
	BodyLimit string
}

// NewServer creates a new HTTP server.
func NewServer(api API, logger *logging.Logger, cfg *Config) (*Server, error) {
	if api == nil {
		return nil, fmt.Errorf("api cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8088,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "4M"
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(NewHTTPMetrics(logger.Underlying()).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:   e,
		api:    api,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/ask", s.handleAsk)
	v1.POST("/search", s.handleSearch)
	v1.POST("/ingest", s.handleIngest)
	v1.POST("/evaluate", s.handleEvaluate)
	v1.DELETE("/sources/:id", s.handleRemove)
	v1.GET("/audit", s.handleAudit)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// principal reads the caller identity. Roles are comma separated.
func principal(c echo.Context) (security.Principal, error) {
	user := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
	if user == "" {
		return security.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, HeaderUserID+" header is required")
	}
	if err := logging.ValidateID(user, "user id"); err != nil {
		return security.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	var roles []string
	for _, r := range strings.Split(c.Request().Header.Get(HeaderUserRoles), ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return security.Principal{UserID: user, Roles: roles}, nil
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusOf returns the status for a verdict. Adversarial input is a bad
// request; missing roles are forbidden.
func statusOf(v security.Verdict) int {
	switch {
	case v.Allowed:
		return http.StatusOK
	case strings.HasPrefix(v.Reason, security.AdversarialReason("")):
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

// failed maps a service error to a status. The service already masked the
// message.
func (s *Server) failed(c echo.Context, err error) error {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Int("status", status), zap.Error(err))
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "5")
	}
	return c.JSON(status, ErrorResponse{Error: err.Error(), RequestID: requestID(c)})
}
