package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dialer"

var (
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Compliance gate decisions by stage and reason.",
		},
		[]string{"stage", "reason"},
	)
	claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result (won, lost).",
		},
		[]string{"result"},
	)
	placements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "Call placements by outcome.",
		},
		[]string{"outcome"},
	)
	callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Carrier callbacks by kind and result (applied, ignored, unknown, rejected).",
		},
		[]string{"kind", "result"},
	)
	advances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_advance_total",
			Help:      "Auto-advance countdown outcomes.",
		},
		[]string{"outcome"},
	)
	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Rows touched by the reconciliation job, by action.",
		},
		[]string{"action"},
	)
)

var registerMetrics sync.Once

// Register all metrics with the default registry.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(gateDecisions, claims, placements, callbacks, advances, reconciled)
	})
}

// Handler serves the default registry for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordGateDecision(stage, reason string) {
	gateDecisions.WithLabelValues(stage, reason).Inc()
}

// RecordClaim records a claim CAS result; won is false when another session got there first.
func RecordClaim(won bool) {
	if won {
		claims.WithLabelValues("won").Inc()
		return
	}
	claims.WithLabelValues("lost").Inc()
}

func RecordPlacement(outcome string) {
	placements.WithLabelValues(outcome).Inc()
}

func RecordCallback(kind, result string) {
	callbacks.WithLabelValues(kind, result).Inc()
}

func RecordAdvance(outcome string) {
	advances.WithLabelValues(outcome).Inc()
}

func RecordReconciled(action string, n int) {
	if n <= 0 {
		return
	}
	reconciled.WithLabelValues(action).Add(float64(n))
}
