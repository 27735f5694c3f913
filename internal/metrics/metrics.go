// Package metrics provides Prometheus instrumentation for the chat server:
// gauges for live connections and rooms, counters for message throughput and
// moderation outcomes, and a histogram for send-pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of live WebSocket sessions",
	})

	// MessagesTotal counts processed messages labeled by outcome:
	// "delivered", "flagged", "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// SendLatency records validate-filter-persist-publish latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_send_latency_seconds",
		Help:    "Send pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ModerationActions counts moderator actions labeled by kind:
	// "delete", "warn", "ban", "set_role".
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_moderation_actions_total",
		Help: "Total number of moderator actions applied",
	}, []string{"action"})

	// SlowConsumerDrops counts sessions evicted from a room because their
	// outbound queue overflowed.
	SlowConsumerDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_slow_consumer_drops_total",
		Help: "Sessions dropped from a room due to outbound queue overflow",
	})

	// ActiveRooms tracks the number of groups with at least one subscriber.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Current number of groups with live subscribers",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SendLatency,
		ModerationActions,
		SlowConsumerDrops,
		ActiveRooms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
