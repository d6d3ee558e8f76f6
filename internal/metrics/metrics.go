// Package metrics exposes Prometheus collectors for the battle server.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arena_relay_connections",
		Help: "Current number of open relay connections",
	})
	PairingRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_pairing_requests_total",
		Help: "Pairing requests by outcome",
	}, []string{"result"})
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sessions_ended_total",
		Help: "Sessions ended by reason",
	}, []string{"reason"})
	MessagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_messages_relayed_total",
		Help: "Total number of chat messages accepted by the relay",
	})
	RelayDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_relay_dropped_total",
		Help: "Events not delivered, by reason",
	}, []string{"reason"})
	StoreTxConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_store_tx_conflicts_total",
		Help: "Transaction attempts that lost a serialization race",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, PairingRequests, SessionsEnded, MessagesRelayed,
		RelayDropped, StoreTxConflicts, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
