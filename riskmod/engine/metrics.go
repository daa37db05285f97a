package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_decisions",
	Help: "Number of moderation decisions, by action and content type",
}, []string{"action", "content_type"})

var evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "riskmod_evaluation_duration_sec",
	Help:    "Total duration of decision evaluation",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
}, []string{"action"})

var degradedDecisions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "riskmod_degraded_decisions",
	Help: "Decisions made with a degraded (default) trust context",
})

var policyGaps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_policy_gaps",
	Help: "Scored categories with no usable policy rule, by content type and category",
}, []string{"content_type", "category"})

var overridesFired = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_overrides_fired",
	Help: "Decision overrides applied, by kind",
}, []string{"override"})

var invariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_invariant_violations",
	Help: "Evaluations forced to review by an internal invariant violation",
}, []string{"kind"})

var emitErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "riskmod_emit_errors",
	Help: "Decisions whose outbound side effects could not be queued",
})
