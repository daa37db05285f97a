package cachestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_cachestore_lookups",
	Help: "Shared cache reads, by namespace and result",
}, []string{"name", "result"})
