package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Invocation metrics
	InvocationsTotal *prometheus.CounterVec
	BackendLatency   *prometheus.HistogramVec
	BackendErrors    *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Business metrics
	DeploymentsCreated  prometheus.Counter
	DeploymentsArchived prometheus.Counter
	CredentialsRotated  prometheus.Counter
	UsageRecordsTotal   *prometheus.CounterVec
	RevenueRunsTotal    *prometheus.CounterVec
	RevenueEntriesTotal prometheus.Counter
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		InvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invocations_total",
				Help: "Total number of routed invocations",
			},
			[]string{"execution_type", "status"},
		),
		BackendLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_latency_seconds",
				Help:    "Execution backend latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"execution_type"},
		),
		BackendErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_errors_total",
				Help: "Total number of execution backend errors",
			},
			[]string{"execution_type", "error_type"},
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"deployment_id"},
		),

		DeploymentsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "deployments_created_total",
				Help: "Total number of deployments created",
			},
		),
		DeploymentsArchived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "deployments_archived_total",
				Help: "Total number of deployments archived",
			},
		),
		CredentialsRotated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credentials_rotated_total",
				Help: "Total number of credential rotations",
			},
		),
		UsageRecordsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_records_total",
				Help: "Total number of usage records written",
			},
			[]string{"execution_type"},
		),
		RevenueRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revenue_runs_total",
				Help: "Total number of revenue calculation runs",
			},
			[]string{"status"},
		),
		RevenueEntriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "revenue_entries_total",
				Help: "Total number of revenue entries written",
			},
		),
	}

	return metrics
}

// Get returns the initialized metrics, initializing them if needed
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records HTTP metrics for each request
func MetricsMiddleware() gin.HandlerFunc {
	m := Init()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.HTTPRequestsInFlight.Inc()
		c.Next()
		m.HTTPRequestsInFlight.Dec()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
