// Package metrics provides Prometheus metrics for the price estimator.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SourceFetchTotal counts adapter fetches by outcome.
	SourceFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_fetch_total",
			Help: "Total number of source adapter fetches by result",
		},
		[]string{"source", "result"},
	)

	// SourceFetchDuration is a histogram of adapter fetch latency.
	SourceFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_fetch_duration_seconds",
			Help:    "Latency of source adapter fetches",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"source"},
	)

	// SourceLastUpdate is a gauge of the last successful observation from a source.
	SourceLastUpdate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_last_update_timestamp",
			Help: "Unix timestamp of last successful observation from source",
		},
		[]string{"source"},
	)

	// PriceAggregationDuration is a histogram of price aggregation duration.
	PriceAggregationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "price_aggregation_duration_seconds",
			Help:    "Duration of price aggregation operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// OutlierRejectionsTotal is a counter of rejected outlier prices.
	OutlierRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_rejections_total",
			Help: "Total number of outlier observations excluded from reconciliation",
		},
		[]string{"pair"},
	)

	// LateObservationsTotal counts observations that arrived after the caller deadline.
	LateObservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "late_observations_total",
			Help: "Observations delivered after the request deadline",
		},
		[]string{"source"},
	)

	// EstimateStatusTotal counts served estimates by status.
	EstimateStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimate_status_total",
			Help: "Total number of estimates served by status",
		},
		[]string{"status"},
	)

	// CacheLookupsTotal counts cache lookups by freshness result.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by result (fresh, stale, miss)",
		},
		[]string{"result"},
	)

	// CoalescedRequestsTotal counts callers that attached to an in-flight refresh.
	CoalescedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalesced_requests_total",
			Help: "Estimate requests served by an already in-flight refresh",
		},
	)

	// HTTPRequestsTotal is a counter of total HTTP requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	// HTTPRequestDuration is a histogram of HTTP request latencies.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)
)

var registerOnce sync.Once

// Init registers all metrics with the default Prometheus registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SourceFetchTotal,
			SourceFetchDuration,
			SourceLastUpdate,
			PriceAggregationDuration,
			OutlierRejectionsTotal,
			LateObservationsTotal,
			EstimateStatusTotal,
			CacheLookupsTotal,
			CoalescedRequestsTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}

// Handler returns the HTTP handler exposing registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeHTTP serves Prometheus metrics on the specified address and path.
func ServeHTTP(addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// RecordSourceFetch records the outcome and latency of one adapter fetch.
func RecordSourceFetch(source, result string, duration time.Duration) {
	SourceFetchTotal.WithLabelValues(source, result).Inc()
	SourceFetchDuration.WithLabelValues(source).Observe(duration.Seconds())
	if result == "ok" {
		SourceLastUpdate.WithLabelValues(source).SetToCurrentTime()
	}
}

// RecordAggregation records a price aggregation operation.
func RecordAggregation(method string, duration time.Duration) {
	PriceAggregationDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOutlierRejection records an outlier rejection.
func RecordOutlierRejection(pair string) {
	OutlierRejectionsTotal.WithLabelValues(pair).Inc()
}

// RecordLateObservation records an observation delivered after the deadline.
func RecordLateObservation(source string) {
	LateObservationsTotal.WithLabelValues(source).Inc()
}

// RecordEstimate records a served estimate.
func RecordEstimate(status string) {
	EstimateStatusTotal.WithLabelValues(status).Inc()
}

// RecordCacheLookup records a cache lookup result.
func RecordCacheLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCoalesced records a request that joined an in-flight refresh.
func RecordCoalesced() {
	CoalescedRequestsTotal.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
