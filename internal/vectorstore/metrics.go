package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: backend (memory, pgvector, qdrant), operation, result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chakravyuh",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// OperationDuration tracks store operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chakravyuh",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// SchemaViolations counts rejected writes and queries.
	SchemaViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chakravyuh",
			Subsystem: "vectorstore",
			Name:      "schema_violations_total",
			Help:      "Total number of operations rejected for shape or dimension mismatch",
		},
		[]string{"backend"},
	)
)

// observe records an operation outcome. Use with defer:
//
//	defer observe("memory", "upsert", time.Now(), &err)
func observe(backend, operation string, start time.Time, errp *error) {
	OperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	result := "success"
	if errp != nil && *errp != nil {
		result = "error"
		if isSchemaViolation(*errp) {
			SchemaViolations.WithLabelValues(backend).Inc()
		}
	}
	OperationsTotal.WithLabelValues(backend, operation, result).Inc()
}
