package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "braid_registry_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	registryRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "braid_registry_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	registryAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "braid_registry_appends_total",
		Help: "Total checkpoints appended through the HTTP API.",
	})

	registryRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "braid_registry_rate_limited_total",
		Help: "Total requests rejected by the rate limiter.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		registryRequestsTotal.WithLabelValues(method, path, status).Inc()
		registryRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCheckpointAppend records a checkpoint appended through the API.
func RecordCheckpointAppend() {
	registryAppendsTotal.Inc()
}
