// Package metrics exposes fleet-wide Prometheus metrics for the router's
// own admin mux: dispatch outcomes, backend health state, retry counts,
// and per-backend load mirrors. Adapted from the teacher's
// internal/metrics/collector.go, relabeled to the fleet dimensions this
// router tracks instead of per-request circuit-breaker state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics the router exposes.
type Collector struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec

	BackendHealthy      *prometheus.GaugeVec
	BackendRunning      *prometheus.GaugeVec
	BackendWaiting      *prometheus.GaugeVec
	BackendGPUCache     *prometheus.GaugeVec
	BackendSystemLoad   *prometheus.GaugeVec

	HealthChecksTotal   *prometheus.CounterVec
}

// NewCollector creates and registers every metric on the default registry.
func NewCollector() *Collector {
	return &Collector{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vllmrouter_requests_total",
				Help: "Total number of proxied requests by outcome",
			},
			[]string{"outcome", "model"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vllmrouter_request_duration_seconds",
				Help:    "Total client-facing request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vllmrouter_retries_total",
				Help: "Total number of backend retry attempts",
			},
			[]string{"backend"},
		),

		BackendHealthy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vllmrouter_backend_healthy",
				Help: "Backend health state (1=healthy, 0=unhealthy)",
			},
			[]string{"backend"},
		),

		BackendRunning: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vllmrouter_backend_requests_running",
				Help: "Mirrors vllm:num_requests_running from the last load sample",
			},
			[]string{"backend"},
		),

		BackendWaiting: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vllmrouter_backend_requests_waiting",
				Help: "Mirrors vllm:num_requests_waiting from the last load sample",
			},
			[]string{"backend"},
		),

		BackendGPUCache: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vllmrouter_backend_gpu_cache_usage_perc",
				Help: "Mirrors vllm:gpu_cache_usage_perc from the last load sample",
			},
			[]string{"backend"},
		),

		BackendSystemLoad: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vllmrouter_backend_system_load",
				Help: "Derived system_load = min(running+waiting, max(1, max_fds/1000))",
			},
			[]string{"backend"},
		),

		HealthChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vllmrouter_health_checks_total",
				Help: "Total number of active health-check probes by result",
			},
			[]string{"backend", "result"},
		),
	}
}
