package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/recur/pkg/storage/postgres"
)

// Metrics holds the service-level Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Database pool metrics, labelled by pool (primary, replica-N)
	DBConnectionsOpen   *prometheus.GaugeVec
	DBConnectionsInUse  *prometheus.GaugeVec
	DBConnectionsIdle   *prometheus.GaugeVec
	DBWaitCount         *prometheus.GaugeVec
	DBWaitDurationTotal *prometheus.GaugeVec
}

// NewMetrics creates and registers all service metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	poolGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, []string{"pool"})
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recur_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recur_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),
		DBConnectionsOpen:   poolGauge("recur_db_connections_open", "Open database connections"),
		DBConnectionsInUse:  poolGauge("recur_db_connections_in_use", "Database connections in use"),
		DBConnectionsIdle:   poolGauge("recur_db_connections_idle", "Idle database connections"),
		DBWaitCount:         poolGauge("recur_db_wait_count", "Total connections waited for"),
		DBWaitDurationTotal: poolGauge("recur_db_wait_duration_seconds", "Total time blocked waiting for a connection"),
	}

	if registry != nil {
		registry.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.HTTPResponseSize,
			m.DBConnectionsOpen,
			m.DBConnectionsInUse,
			m.DBConnectionsIdle,
			m.DBWaitCount,
			m.DBWaitDurationTotal,
		)
	}
	return m
}

// RecordPoolStats publishes connection pool statistics
func (m *Metrics) RecordPoolStats(stats postgres.ConnectionStats) {
	record := func(pool string, s postgres.PoolStats) {
		m.DBConnectionsOpen.WithLabelValues(pool).Set(float64(s.Open))
		m.DBConnectionsInUse.WithLabelValues(pool).Set(float64(s.InUse))
		m.DBConnectionsIdle.WithLabelValues(pool).Set(float64(s.Idle))
		m.DBWaitCount.WithLabelValues(pool).Set(float64(s.WaitCount))
		m.DBWaitDurationTotal.WithLabelValues(pool).Set(s.WaitDuration.Seconds())
	}

	record("primary", stats.Primary)
	for i, replica := range stats.Replicas {
		record("replica-"+strconv.Itoa(i), replica)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel returns the matched route template so path parameters do not
// explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
