package api

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the server's prometheus instruments on a private
// registry, so tests can build many servers without collisions.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "efx_requests_total",
			Help: "API requests by operation and HTTP status.",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "efx_request_duration_seconds",
			Help:    "API request latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	m.registry.MustRegister(m.requests, m.duration)
	return m
}
