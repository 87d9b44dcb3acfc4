// Package logging provides structured logging with OpenTelemetry integration.
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and optional OpenTelemetry output
//   - automatic correlation fields (trace_id, request.id, principal.user)
//   - key, pattern and PII-mask redaction in the encoder
//   - sampling that never drops errors or the security and audit loggers
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRequestID(ctx, "req_123")
//	ctx = logging.WithUserID(ctx, "alice")
//	logger.Info(ctx, "query answered", zap.Int("evidence", 4))
//
// Query text is never logged verbatim by the pipeline. Callers log the
// query hash produced by the audit package instead.
package logging
