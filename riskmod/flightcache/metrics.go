package flightcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_flightcache_hits",
	Help: "Number of fresh cache hits",
}, []string{"cache"})

var cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_flightcache_misses",
	Help: "Number of cache misses or expired entries",
}, []string{"cache"})

var cacheCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_flightcache_coalesced",
	Help: "Number of lookups which shared an in-flight load",
}, []string{"cache"})

var cacheLoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_flightcache_load_errors",
	Help: "Number of lookups where the upstream load failed",
}, []string{"cache"})

var cacheStaleServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "riskmod_flightcache_stale_served",
	Help: "Number of expired values served because the refresh failed",
}, []string{"cache"})
