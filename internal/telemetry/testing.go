package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			logger:         zap.NewNop(),
			tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		SpanRecorder: recorder,
		MetricReader: reader,
	}
}

// Span returns the first ended span with the given name.
func (t *TestTelemetry) Span(name string) (trace.ReadOnlySpan, bool) {
	for _, span := range t.SpanRecorder.Ended() {
		if span.Name() == name {
			return span, true
		}
	}
	return nil, false
}

// AssertSpanExists verifies an ended span with the given name was recorded.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if _, ok := t.Span(name); ok {
		return
	}
	var names []string
	for _, span := range t.SpanRecorder.Ended() {
		names = append(names, span.Name())
	}
	tb.Errorf("expected span %q not found, got: %v", name, names)
}

// AssertSpanAttr verifies the named span carries key=value.
func (t *TestTelemetry) AssertSpanAttr(tb testing.TB, name string, kv attribute.KeyValue) {
	tb.Helper()
	span, ok := t.Span(name)
	if !ok {
		tb.Errorf("span %q not found", name)
		return
	}
	for _, a := range span.Attributes() {
		if a.Key == kv.Key && a.Value == kv.Value {
			return
		}
	}
	tb.Errorf("span %q missing attribute %s=%s", name, kv.Key, kv.Value.Emit())
}

// Metric collects once and returns the instrument with the given name.
func (t *TestTelemetry) Metric(tb testing.TB, name string) (metricdata.Metrics, bool) {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.MetricReader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collecting metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}
