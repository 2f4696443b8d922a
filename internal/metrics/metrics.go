// Package metrics provides Prometheus instrumentation for the delivery
// service: live connections and online users, message outcomes, fan-out
// results, send latency and maintenance evictions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ConnectedUsers tracks users holding at least one connection.
	ConnectedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_connected_users",
		Help: "Current number of users with at least one live connection",
	})

	// MessagesTotal counts messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_messages_total",
		Help: "Total number of chat messages processed, by outcome",
	}, []string{"outcome"}) // sent, delivered, read, flagged, blocked, rejected

	// FanOutTotal counts fan-out attempts by event type and result.
	FanOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_fanout_total",
		Help: "Fan-out attempts by event type and result",
	}, []string{"event", "result"}) // result = hit, miss

	// SendLatency records the duration of a full send in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_send_latency_seconds",
		Help:    "Send pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RateLimitedTotal counts requests refused by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"surface"}) // socket, rest, connect

	// MaintenanceEvictions counts entries removed by the maintenance sweep.
	MaintenanceEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_maintenance_evictions_total",
		Help: "Entries evicted by the maintenance scheduler",
	}, []string{"kind"}) // presence, typing, registry, dedup
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectedUsers,
		MessagesTotal,
		FanOutTotal,
		SendLatency,
		RateLimitedTotal,
		MaintenanceEvictions,
	)
}

// ObserveFanOut records the result of one fan-out.
func ObserveFanOut(event string, delivered bool) {
	result := "miss"
	if delivered {
		result = "hit"
	}
	FanOutTotal.WithLabelValues(event, result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
