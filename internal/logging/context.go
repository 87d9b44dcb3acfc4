package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Correlation field keys.
const (
	FieldRequestID = "request.id"
	FieldUserID    = "principal.user"
	FieldOperation = "operation"
)

// correlation is the per-request identity attached to every log line.
type correlation struct {
	requestID string
	userID    string
	operation string
}

type correlationKey struct{}
type loggerKey struct{}

func correlationFrom(ctx context.Context) correlation {
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

func withCorrelation(ctx context.Context, update func(*correlation)) context.Context {
	c := correlationFrom(ctx)
	update(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

// ContextFields returns the trace, request, principal and operation
// fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	c := correlationFrom(ctx)
	if c.requestID != "" {
		fields = append(fields, zap.String(FieldRequestID, c.requestID))
	}
	if c.userID != "" {
		fields = append(fields, zap.String(FieldUserID, c.userID))
	}
	if c.operation != "" {
		fields = append(fields, zap.String(FieldOperation, c.operation))
	}
	return fields
}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

// ValidateID checks a request or user ID: non-empty, at most 128 bytes of
// letters, digits and "_.@-".
func ValidateID(id, name string) error {
	switch {
	case id == "":
		return fmt.Errorf("%s cannot be empty", name)
	case !utf8.ValidString(id):
		return fmt.Errorf("%s contains invalid UTF-8", name)
	case len(id) > maxIDLen:
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

func RequestIDFromContext(ctx context.Context) string { return correlationFrom(ctx).requestID }

func UserIDFromContext(ctx context.Context) string { return correlationFrom(ctx).userID }

// WithRequestID attaches a request ID. Invalid IDs are dropped.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ValidateID(requestID, "request id") != nil {
		return ctx
	}
	return withCorrelation(ctx, func(c *correlation) { c.requestID = requestID })
}

// WithUserID attaches the principal's user ID. Invalid IDs are dropped.
func WithUserID(ctx context.Context, userID string) context.Context {
	if ValidateID(userID, "user id") != nil {
		return ctx
	}
	return withCorrelation(ctx, func(c *correlation) { c.userID = userID })
}

// WithOperation names the audited operation (ask, search, ingest...).
func WithOperation(ctx context.Context, op string) context.Context {
	return withCorrelation(ctx, func(c *correlation) { c.operation = op })
}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
