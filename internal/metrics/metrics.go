// Package metrics provides Prometheus instrumentation for the hub and
// runner processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hapi_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hapi_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Control-channel RPC metrics (hub<->runner JSON-RPC over websocket).
var (
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hapi_rpc_requests_total",
		Help: "Total number of hub<->runner RPC calls.",
	}, []string{"method", "code"})

	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hapi_rpc_request_duration_seconds",
		Help:    "Hub<->runner RPC call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Business metrics.
var (
	ActiveRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_active_runners",
		Help: "Number of currently connected runners.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_active_sessions",
		Help: "Number of currently active agent sessions.",
	})

	ThinkingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_thinking_sessions",
		Help: "Number of sessions currently marked as thinking.",
	})

	PushDeliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hapi_push_delivery_total",
		Help: "Total number of push notification delivery attempts.",
	}, []string{"outcome"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_ws_connections_active",
		Help: "Number of active event-stream subscriptions.",
	})

	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hapi_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	}, []string{"channel"})
)
