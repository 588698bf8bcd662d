package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Collector metrics
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_collector_cycles_total",
			Help: "Total number of collection cycles by result",
		},
		[]string{"result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbit_collector_cycle_duration_seconds",
			Help:    "Collection cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	skippedTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_collector_skipped_ticks_total",
			Help: "Ticks skipped because a cycle was still running",
		},
	)

	sourceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_source_errors_total",
			Help: "Status source fetch failures",
		},
		[]string{"kind"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_dispatch_total",
			Help: "Payload dispatches to the store endpoint",
		},
		[]string{"type", "result"},
	)

	// Store metrics
	rowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_store_rows_written_total",
			Help: "Rows upserted or inserted by payload type",
		},
		[]string{"type"},
	)

	rowsSwept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_retention_deleted_rows_total",
			Help: "Rows deleted by the retention sweeper",
		},
		[]string{"table"},
	)

	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orbit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			cyclesTotal,
			cycleDuration,
			skippedTicks,
			sourceErrors,
			dispatchTotal,
			rowsWritten,
			rowsSwept,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordCycle records one collection cycle.
func RecordCycle(result string, duration time.Duration) {
	cyclesTotal.WithLabelValues(result).Inc()
	cycleDuration.Observe(duration.Seconds())
}

func RecordSkippedTick() {
	skippedTicks.Inc()
}

func RecordSourceError(kind string) {
	sourceErrors.WithLabelValues(kind).Inc()
}

func RecordDispatch(payloadType, result string) {
	dispatchTotal.WithLabelValues(payloadType, result).Inc()
}

func RecordRowsWritten(payloadType string, n int) {
	rowsWritten.WithLabelValues(payloadType).Add(float64(n))
}

func RecordRowsSwept(table string, n int64) {
	rowsSwept.WithLabelValues(table).Add(float64(n))
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
