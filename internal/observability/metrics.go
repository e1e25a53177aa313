package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/itinerary-weather/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Open-Meteo call rate per endpoint (archive, forecast). Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Upstream latency per endpoint. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal *prometheus.CounterVec

	// Circuit breaker transitions per endpoint.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).
	CircuitBreakerState *prometheus.GaugeVec

	// Pipeline invocations by result: short_circuit, fetched, offline_fast_fail.
	PipelineRunsTotal *prometheus.CounterVec

	// Pipeline wall time including the whole parallel batch.
	PipelineDurationSeconds prometheus.Histogram

	// Pipeline invocations that started while another was still running.
	// Watch for: non-zero values mean last-write-wins may drop merged dates.
	PipelineOverlapsTotal prometheus.Counter

	// Upstream fetches answered by another in-flight fetch of the same URL.
	PipelineCoalescedTotal prometheus.Counter

	// Per (city, date) request outcome: network, offline_fallback, unavailable.
	WeatherFetchOutcomesTotal *prometheus.CounterVec

	// Dates newly merged into the weather map.
	WeatherDatesMergedTotal prometheus.Counter

	// Envelope store operations (load, save, clear) by result.
	EnvelopeOperationsTotal *prometheus.CounterVec

	// Worker router responses per route and source (cache, network, fallback).
	WorkerResponsesTotal *prometheus.CounterVec

	// Offline response cache evictions per cache name (max entries or max age).
	ResponseCacheEvictionsTotal *prometheus.CounterVec

	// Worker version activations by reason (first_install, clients_released, skip_waiting).
	WorkerActivationsTotal *prometheus.CounterVec

	// Scheduled weather refresh runs by result.
	ScheduledRefreshTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of Open-Meteo API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Open-Meteo API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
		[]string{"endpoint"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"component"},
	)
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherPipelineRunsTotal",
			Help: "Weather acquisition pipeline invocations by result",
		},
		[]string{"result"},
	)
	PipelineDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weatherPipelineDurationSeconds",
			Help:    "Weather acquisition pipeline duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	PipelineOverlapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherPipelineOverlapsTotal",
			Help: "Pipeline invocations that overlapped a running invocation",
		},
	)
	PipelineCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherPipelineCoalescedTotal",
			Help: "Upstream weather fetches shared with an identical in-flight fetch",
		},
	)
	WeatherFetchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherFetchOutcomesTotal",
			Help: "Per city/date fetch outcomes (network, offline_fallback, unavailable)",
		},
		[]string{"kind", "outcome"},
	)
	WeatherDatesMergedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherDatesMergedTotal",
			Help: "Dates newly merged into the cached weather map",
		},
	)
	EnvelopeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherEnvelopeOperationsTotal",
			Help: "Weather cache envelope operations by result",
		},
		[]string{"operation", "result"},
	)
	WorkerResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerResponsesTotal",
			Help: "Responses produced by the worker router per route and source",
		},
		[]string{"route", "source"},
	)
	ResponseCacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responseCacheEvictionsTotal",
			Help: "Offline response cache evictions per cache and reason",
		},
		[]string{"cache", "reason"},
	)
	WorkerActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workerActivationsTotal",
			Help: "Worker version activations by reason",
		},
		[]string{"reason"},
	)
	ScheduledRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduledRefreshTotal",
			Help: "Scheduled weather refresh runs by result",
		},
		[]string{"result"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		PipelineRunsTotal, PipelineDurationSeconds, PipelineOverlapsTotal, PipelineCoalescedTotal,
		WeatherFetchOutcomesTotal, WeatherDatesMergedTotal, EnvelopeOperationsTotal,
		WorkerResponsesTotal, ResponseCacheEvictionsTotal, WorkerActivationsTotal,
		ScheduledRefreshTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterTrafficGauges registers upstream outcome gauges over the given window.
// Call from main after config load with cfg.DegradedWindow.
func RegisterTrafficGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "upstreamOutcomesInWindow",
					Help: "Upstream weather fetch outcomes in sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerTransition updates the transition counter and state gauge.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(CircuitBreakerStateValue(to))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
