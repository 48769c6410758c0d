// Package metrics provides Prometheus instrumentation for the mirror service.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goghd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "goghd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChainEventsTotal counts decoded chain events by kind and result.
	ChainEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goghd",
			Name:      "chain_events_total",
			Help:      "Chain events observed by kind and processing result.",
		},
		[]string{"kind", "result"},
	)

	// StoreWritesTotal counts document store writes by collection and outcome.
	StoreWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goghd",
			Name:      "store_writes_total",
			Help:      "Document store writes by collection and outcome status.",
		},
		[]string{"collection", "status"},
	)

	// SignaturesRecordedTotal counts co-signatures recorded by role.
	SignaturesRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goghd",
			Name:      "signatures_recorded_total",
			Help:      "Escrow co-signatures recorded by party role.",
		},
		[]string{"role"},
	)

	// SubsidizedReleasesTotal counts sponsored release submissions by result.
	SubsidizedReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goghd",
			Name:      "subsidized_releases_total",
			Help:      "Gas-subsidized release transactions by result.",
		},
		[]string{"result"},
	)

	// AttestationsTotal counts attestation submissions by result.
	AttestationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "goghd",
			Name:      "attestations_total",
			Help:      "Attestation submissions by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "goghd",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// OracleLastBlock tracks the last block the oracle has scanned.
	OracleLastBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "goghd",
			Name:      "oracle_last_block",
			Help:      "Last block number scanned by the event oracle.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChainEventsTotal,
		StoreWritesTotal,
		SignaturesRecordedTotal,
		SubsidizedReleasesTotal,
		AttestationsTotal,
		ActiveWebSocketClients,
		OracleLastBlock,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
