package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestsTotal counts audited requests by operation and outcome.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chakravyuh",
	Subsystem: "service",
	Name:      "requests_total",
	Help:      "Total number of audited requests",
}, []string{"operation", "outcome"})
