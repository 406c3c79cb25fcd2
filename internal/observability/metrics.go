package observability

import (
	"net/http"
	"strings"
	"sync"

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

	// Provider call rate by outcome. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Provider latency per attempt.
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts (429 and other non-2xx). High values = provider throttling us.
	WeatherAPIRetriesTotal prometheus.Counter

	// Final fetch failures by category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Circuit breaker state: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState prometheus.Gauge

	// Circuit breaker transitions.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Full refreshes by outcome: cache_hit, success, partial, failed.
	RefreshesTotal *prometheus.CounterVec

	// Duration of full refreshes that reached the provider.
	RefreshDurationSeconds prometheus.Histogram

	// Single-city searches by outcome: success, not_found, error.
	SearchesTotal *prometheus.CounterVec

	// Searches that joined an in-flight fetch for the same city.
	SearchesCoalescedTotal prometheus.Counter

	// Searches per configured city (allow-list; others use city=other).
	SearchesByCityTotal *prometheus.CounterVec

	// Per-city fetch failures during refresh (allow-list; others use city=other).
	CityFetchFailuresTotal *prometheus.CounterVec

	// Snapshot backend errors by operation (load, save).
	SnapshotBackendErrorsTotal *prometheus.CounterVec

	// 1 while any store operation is in flight.
	StoreLoading prometheus.Gauge

	// Records currently held by the store.
	StoreRecords prometheus.Gauge

	// Scheduled refresh runs by outcome.
	SchedulerRunsTotal *prometheus.CounterVec

	// Rate limit denials on the public API.
	RateLimitDeniedTotal prometheus.Counter

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}
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
			Help: "Total number of WeatherAPI.com calls (per attempt)",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "WeatherAPI.com latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Weather fetches that failed after retries, by category",
		},
		[]string{"category"},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Provider circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Provider circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshesTotal",
			Help: "Full board refreshes by outcome (cache_hit, success, partial, failed)",
		},
		[]string{"outcome"},
	)
	RefreshDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refreshDurationSeconds",
			Help:    "Duration of full board refreshes that reached the provider",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchesTotal",
			Help: "Single-city searches by outcome (success, not_found, error)",
		},
		[]string{"outcome"},
	)
	SearchesCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "searchesCoalescedTotal",
			Help: "Searches served by an in-flight fetch for the same city",
		},
	)
	SearchesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchesByCityTotal",
			Help: "Searches by city (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	CityFetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityFetchFailuresTotal",
			Help: "Per-city fetch failures during refresh (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	SnapshotBackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshotBackendErrorsTotal",
			Help: "Snapshot backend errors by operation (load, save)",
		},
		[]string{"operation"},
	)
	StoreLoading = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storeLoading",
			Help: "1 while a refresh or search is in flight",
		},
	)
	StoreRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storeRecords",
			Help: "Weather records currently held by the store",
		},
	)
	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedulerRunsTotal",
			Help: "Scheduled refresh runs by outcome (success, error)",
		},
		[]string{"outcome"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPIErrorsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RefreshesTotal, RefreshDurationSeconds,
		SearchesTotal, SearchesCoalescedTotal, SearchesByCityTotal, CityFetchFailuresTotal,
		SnapshotBackendErrorsTotal, StoreLoading, StoreRecords,
		SchedulerRunsTotal, RateLimitDeniedTotal,
	)
}

// SetTrackedCities sets the allow-list for per-city metrics. Other names are labeled "other".
func SetTrackedCities(names []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(names))
	for _, n := range names {
		trackedCities[normalizeCityForMetrics(n)] = struct{}{}
	}
}

// RecordSearch records a search for the given city name.
func RecordSearch(city string) {
	SearchesByCityTotal.WithLabelValues(cityLabel(city)).Inc()
}

// RecordCityFetchFailure records a failed per-city fetch during a refresh.
func RecordCityFetchFailure(city string) {
	CityFetchFailuresTotal.WithLabelValues(cityLabel(city)).Inc()
}

func cityLabel(city string) string {
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c] // nil map read is safe in Go
	trackedCitiesMu.RUnlock()
	if ok {
		return c
	}
	return "other"
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SetStoreLoading flips the loading gauge.
func SetStoreLoading(loading bool) {
	if loading {
		StoreLoading.Set(1)
		return
	}
	StoreLoading.Set(0)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
