package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal tracks intercepted requests by pipeline outcome.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_requests_total",
			Help: "Total intercepted requests by pipeline outcome",
		},
		[]string{"outcome"}, // "bypass", "hit", "fetch"
	)

	// warmupRequests tracks prefetch warm-up requests by result.
	warmupRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_warmup_requests_total",
			Help: "Total warm-up prefetch requests by result",
		},
		[]string{"status"}, // "ok", "error"
	)
)
