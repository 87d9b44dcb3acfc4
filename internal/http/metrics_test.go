package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(instrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.DELETE("/api/v1/sources/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodDelete, "/api/v1/sources/aws-s3"},
		{http.MethodDelete, "/api/v1/sources/aws-kms"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "chakravyuh.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				byRoute := map[string]int64{}
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value(attribute.Key("route"))
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					byRoute[route.AsString()] += dp.Value
					if route.AsString() == "/api/v1/sources/:id" {
						assert.Equal(t, int64(http.StatusForbidden), status.AsInt64())
					}
				}
				assert.Equal(t, map[string]int64{"/health": 1, "/api/v1/sources/:id": 2}, byRoute)
			case "chakravyuh.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var total uint64
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
				assert.Equal(t, uint64(3), total)
			}
		}
	}
	assert.True(t, found["chakravyuh.http.requests_total"])
	assert.True(t, found["chakravyuh.http.request_duration_seconds"])
	assert.True(t, found["chakravyuh.http.response_size_bytes"])
	assert.True(t, found["chakravyuh.http.active_requests"])
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unmatched"},
		{"/*", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/sources/:id", "/api/v1/sources/:id"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, routeLabel(tt.input), tt.input)
	}
}
