package trust

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var contextFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_trust_context_fetches",
	Help: "Number of user context loads, by source (provider, shared-cache, degraded)",
}, []string{"source"})

var degradedContexts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "riskmod_trust_degraded_contexts",
	Help: "Number of times a conservative default context was substituted",
})

var providerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "riskmod_trust_provider_duration_sec",
	Help:    "Duration of trust provider HTTP requests",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
})
