package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Forecast API call rate by outcome. Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// Forecast API latency per attempt.
	UpstreamDuration *prometheus.HistogramVec

	// Retry attempts against the forecast API. High values mean an unstable upstream.
	UpstreamRetriesTotal prometheus.Counter

	// Failed fetches by error category (timeout, network, upstream_5xx, ...).
	UpstreamErrorsTotal *prometheus.CounterVec

	// Widget fetch outcomes by source (cache, live, error). Hit rate = cache/(cache+live).
	WidgetFetchesTotal *prometheus.CounterVec

	// Fetches refused because the widget already had one in flight.
	WidgetFetchRejectedTotal prometheus.Counter

	// Successful fetches whose cache write-through failed. The fetch itself still succeeded.
	CachePersistFailuresTotal prometheus.Counter

	// Weather lookups per registry location.
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec
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
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiCallsTotal",
			Help: "Total number of forecast API calls",
		},
		[]string{"status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastApiDurationSeconds",
			Help:    "Forecast API latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastApiRetriesTotal",
			Help: "Total number of retry attempts for forecast API calls",
		},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiErrorsTotal",
			Help: "Failed forecast fetches by error category",
		},
		[]string{"category"},
	)
	WidgetFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetFetchesTotal",
			Help: "Widget fetches by source (cache, live, error)",
		},
		[]string{"source"},
	)
	WidgetFetchRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "widgetFetchRejectedTotal",
			Help: "Fetches refused because one was already in flight",
		},
	)
	CachePersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachePersistFailuresTotal",
			Help: "Cache write-through failures after a successful fetch",
		},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by resolved registry location",
		},
		[]string{"location"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed location",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of a cache warming run",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
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
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal, UpstreamErrorsTotal,
		WidgetFetchesTotal, WidgetFetchRejectedTotal, CachePersistFailuresTotal,
		WeatherQueriesByLocationTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RateLimitDeniedTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
	)
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, state int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
