package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outboundDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_audit_outbound_delivered",
	Help: "Outbound decision side effects delivered, by kind",
}, []string{"kind"})

var outboundFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_audit_outbound_failed",
	Help: "Outbound decision side effects which failed after every retry, by kind",
}, []string{"kind"})

var outboundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_audit_outbound_dropped",
	Help: "Outbound decision side effects dropped because the queue was full, by kind",
}, []string{"kind"})

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "riskmod_audit_queue_depth",
	Help: "Outbound items waiting for delivery",
})
