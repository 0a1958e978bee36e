// Package metrics provides Prometheus instrumentation for the Parley relay
// server. It exposes gauges for connection and presence counts, counters for
// relayed event throughput, and a histogram for broadcast latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsLive tracks the current number of open WebSocket connections.
	ConnectionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections",
		Help: "Current number of open WebSocket connections",
	})

	// ConnectedUsers tracks the number of distinct identified users (by phone).
	ConnectedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connected_users",
		Help: "Current number of distinct identified users",
	})

	// EventsRelayed counts relayed events, labeled by type: "message" or
	// "typing". Each delivery to one peer counts once.
	EventsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_relayed_total",
		Help: "Total number of events delivered to peers",
	}, []string{"type"})

	// SendDrops counts frames dropped because a peer's send queue was full or
	// the peer was closing.
	SendDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_send_drops_total",
		Help: "Total number of frames dropped due to slow or closing peers",
	})

	// PersistFailures counts messages that could not be archived to the
	// history store.
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_persist_failures_total",
		Help: "Total number of message archive failures",
	})

	// BroadcastLatency records the time to fan one event out to all peers.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_broadcast_latency_seconds",
		Help:    "Time to enqueue one event to all target peers",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsLive,
		ConnectedUsers,
		EventsRelayed,
		SendDrops,
		PersistFailures,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
