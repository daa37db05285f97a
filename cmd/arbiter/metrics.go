package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decideRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arbiter_decide_requests",
	Help: "Decide API requests, by outcome",
}, []string{"status"})

var adminChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arbiter_admin_changes",
	Help: "Successful admin changes to policy and wallet flags, by kind",
}, []string{"kind"})
