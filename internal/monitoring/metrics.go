// Package monitoring declares the gateway's Prometheus metrics:
// promauto-declared counter/histogram/gauge vectors covering the
// concurrency gate, key pool, upstream dispatch, and request-log
// concerns.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"server", "method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"server", "method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgate_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	GateInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgate_gate_in_use",
			Help: "Number of concurrency gate slots currently occupied",
		},
	)

	GateCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgate_gate_capacity",
			Help: "Configured concurrency gate capacity",
		},
	)

	KeysByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgate_keys_by_state",
			Help: "Number of upstream keys currently in each pool state",
		},
		[]string{"state"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_dispatch_total",
			Help: "Total number of upstream dispatch attempts",
		},
		[]string{"dialect", "status_class"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_dispatch_duration_seconds",
			Help:    "Upstream dispatch latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"dialect"},
	)

	DispatchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_dispatch_retries_total",
			Help: "Total number of single-retry-with-rotation attempts",
		},
		[]string{"dialect"},
	)

	TokensUsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_tokens_used_total",
			Help: "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: prompt, completion, total
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgate_ratelimit_keys",
			Help: "Current number of per-key rate limiters",
		},
	)

	RateLimitSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgate_ratelimit_sweeps_total",
			Help: "Total number of rate limiter TTL cache sweeps",
		},
	)

	ManagementAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_management_access_total",
			Help: "Total number of management access decisions",
		},
		[]string{"route", "result"},
	)
)
