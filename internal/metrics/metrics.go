// Package metrics provides Prometheus instrumentation for the presence
// server. It exposes gauges mirroring the stats surface (online identities,
// live connections, active rooms, live typing signals) and counters for
// event throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OnlineIdentities tracks the number of identities with at least one
	// live connection.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_online_identities",
		Help: "Number of identities with at least one live connection",
	})

	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_active_rooms",
		Help: "Number of rooms with at least one member",
	})

	// TypingSignals tracks the number of live typing signals.
	TypingSignals = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_typing_signals",
		Help: "Current number of live typing signals",
	})

	// EventsDelivered counts payloads accepted by a client connection.
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_events_delivered_total",
		Help: "Total number of events delivered to client connections",
	})

	// EventsDropped counts sends that failed and triggered connection cleanup.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_events_dropped_total",
		Help: "Total number of sends that failed against dead connections",
	})

	// InboundEvents counts inbound client events by type.
	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_inbound_events_total",
		Help: "Total number of inbound client events processed",
	}, []string{"type"})

	// StaleConnectionsReaped counts connections removed by the liveness sweeper.
	StaleConnectionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_stale_connections_reaped_total",
		Help: "Total number of connections reaped for missed heartbeats",
	})
)

func init() {
	prometheus.MustRegister(
		OnlineIdentities,
		ConnectionsTotal,
		ActiveRooms,
		TypingSignals,
		EventsDelivered,
		EventsDropped,
		InboundEvents,
		StaleConnectionsReaped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
