package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for access-code issuance.
type Metrics struct {
	IssuanceOutcomes      *prometheus.CounterVec
	SwitchBotDurationMs   *prometheus.HistogramVec
	IdempotentReplays     prometheus.Counter
	IdempotencyErrors     prometheus.Counter
	SubmissionRateLimited prometheus.Counter
	IssuanceLogFailures   prometheus.Counter
}

// New registers and returns issuance collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IssuanceOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgate_issuance_outcomes_total",
			Help: "Quiz submissions by issuance outcome",
		}, []string{"outcome"}),
		SwitchBotDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartgate_switchbot_request_duration_ms",
			Help:    "Duration of SwitchBot createKey calls in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"result"}),
		IdempotentReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartgate_idempotent_replays_total",
			Help: "Issued outcomes served from the idempotency cache",
		}),
		IdempotencyErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartgate_idempotency_errors_total",
			Help: "Idempotency cache failures that fell back to a fresh issuance",
		}),
		SubmissionRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartgate_submission_rate_limited_total",
			Help: "Quiz submissions rejected by the per-IP rate limit",
		}),
		IssuanceLogFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "smartgate_issuance_log_failures_total",
			Help: "Issuance audit rows that could not be written",
		}),
	}
}

// NewNop returns collectors on a private registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
