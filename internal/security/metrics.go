package security

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate stages.
const (
	StageAdversarial = "adversarial"
	StageAccess      = "access"
)

var (
	// DecisionsTotal counts gate decisions.
	// Labels: stage (adversarial, access), result (allowed, rejected)
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chakravyuh",
			Subsystem: "security",
			Name:      "decisions_total",
			Help:      "Total number of security gate decisions",
		},
		[]string{"stage", "result"},
	)

	// RedactionsTotal counts masked spans by type.
	RedactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chakravyuh",
			Subsystem: "security",
			Name:      "redactions_total",
			Help:      "Total number of spans masked in outbound text",
		},
		[]string{"type"},
	)
)
