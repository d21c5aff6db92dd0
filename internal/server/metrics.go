package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	agentsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_agents_total",
			Help: "Registered agents by session status.",
		},
		[]string{"status"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_requests_total",
			Help: "HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	routesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_messages_routed_total",
			Help: "Routed messages by delivery method and outcome.",
		},
		[]string{"method", "status"},
	)

	peerProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_peer_probes_total",
			Help: "Peer reachability probes by result.",
		},
		[]string{"result"},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_webhook_deliveries_total",
			Help: "Webhook delivery attempts by final status.",
		},
		[]string{"status"},
	)
)

// PrometheusMiddleware records request counts and latency per route.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := strconv.Itoa(c.Writer.Status())
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler exposes the Prometheus registry.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// SetAgentsGauge publishes the current agent counts.
func SetAgentsGauge(online, offline int) {
	agentsGauge.WithLabelValues("online").Set(float64(online))
	agentsGauge.WithLabelValues("offline").Set(float64(offline))
}

// RecordRoute counts one route result.
func RecordRoute(method, status string) {
	routesTotal.WithLabelValues(method, status).Inc()
}

// RecordPeerProbe counts one reachability probe.
func RecordPeerProbe(reachable bool) {
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	peerProbesTotal.WithLabelValues(result).Inc()
}

// RecordWebhookDelivery counts one finished webhook delivery.
func RecordWebhookDelivery(event string, success bool) {
	status := "failed"
	if success {
		status = "success"
	}
	webhookDeliveries.WithLabelValues(status).Inc()
}
