// Package metrics holds the Prometheus collectors for the analytics engine.
// Collectors register with the default registry on import and are served by
// promhttp at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Geocoding cache
	GeocodeCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geocode_cache_hits_total",
			Help: "Total number of reverse geocoding cache hits",
		},
	)

	GeocodeCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geocode_cache_misses_total",
			Help: "Total number of reverse geocoding cache misses",
		},
	)

	GeocodeCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geocode_cache_entries",
			Help: "Current number of cached reverse geocoding results",
		},
	)

	// Geocoding providers
	GeocodeProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_provider_requests_total",
			Help: "Total number of reverse geocoding provider calls by outcome",
		},
		[]string{"provider", "outcome"}, // ok, not_found, error, rejected, timeout
	)

	GeocodeProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geocode_provider_duration_seconds",
			Help:    "Latency of reverse geocoding provider calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	GeocodeCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geocode_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	// Reports
	ReportBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "report_build_duration_seconds",
			Help:    "Time spent building a vehicle report, including geocoding",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	ReportSegments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_segments_total",
			Help: "Total number of segments produced by segmentation",
		},
		[]string{"kind"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
)

// RecordGeocodeRequest records a provider call outcome and its latency.
func RecordGeocodeRequest(provider, outcome string, duration time.Duration) {
	GeocodeProviderRequests.WithLabelValues(provider, outcome).Inc()
	GeocodeProviderDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordReport records a finished report build.
func RecordReport(view string, duration time.Duration) {
	ReportBuildDuration.WithLabelValues(view).Observe(duration.Seconds())
}

// RecordHTTPRequest counts a served request.
func RecordHTTPRequest(route, method string, status int) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}
