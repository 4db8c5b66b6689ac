package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the gateway.
type MetricsService struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	catalogLoads     *prometheus.HistogramVec
	cartStoreLatency *prometheus.HistogramVec
	cartMutations    *prometheus.CounterVec
	submissions      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	upstreamDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_request_duration_seconds",
		Help:    "Duration of calls to the academic portal API",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	catalogLoads := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "builder_catalog_load_seconds",
		Help:    "Duration of complete catalog loads",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	cartStoreLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "builder_cart_store_seconds",
		Help:    "Latency of persisted cart operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	cartMutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "builder_cart_mutations_total",
		Help: "Cart mutations by operation and result",
	}, []string{"operation", "result"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "builder_submissions_total",
		Help: "Bulk enrollment submissions by outcome",
	}, []string{"outcome"})

	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "builder_active_sessions",
		Help: "Builder sessions currently held in memory",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, upstreamDuration, catalogLoads, cartStoreLatency, cartMutations, submissions, activeSessions, goroutines)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		upstreamDuration: upstreamDuration,
		catalogLoads:     catalogLoads,
		cartStoreLatency: cartStoreLatency,
		cartMutations:    cartMutations,
		submissions:      submissions,
		activeSessions:   activeSessions,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry (used by tests).
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveUpstreamRequest records a portal API call. Status 0 means the call
// never produced a response.
func (m *MetricsService) ObserveUpstreamRequest(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(endpoint, fmt.Sprintf("%d", status)).Observe(duration.Seconds())
}

// ObserveCatalogLoad records one full catalog load.
func (m *MetricsService) ObserveCatalogLoad(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.catalogLoads.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCartStore records persisted cart latency.
func (m *MetricsService) ObserveCartStore(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cartStoreLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCartMutation counts accepted and rejected cart mutations.
func (m *MetricsService) RecordCartMutation(operation, result string) {
	if m == nil {
		return
	}
	m.cartMutations.WithLabelValues(operation, result).Inc()
}

// RecordSubmission counts bulk enrollment outcomes.
func (m *MetricsService) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// SetActiveSessions publishes the number of live builder sessions.
func (m *MetricsService) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
