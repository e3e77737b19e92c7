package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Transport label values.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

var (
	// ConnectionsActive gauges connections currently served, by transport.
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of chat connections currently being served.",
		},
		[]string{"transport"},
	)

	// ConnectionsRejected counts connections turned away at capacity.
	ConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_connections_rejected_total",
			Help: "Connections refused because the server was at capacity.",
		},
		[]string{"transport"},
	)

	// Requests counts dispatched protocol requests by type and outcome
	// (ok, error, dropped, limited).
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Protocol requests handled, by request type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// Deliveries counts payloads written to peers by room fan-out.
	Deliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broadcast_deliveries_total",
			Help: "Payloads delivered to room members by broadcast.",
		},
	)

	// AuthAttempts counts login/register attempts by action and result.
	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_auth_attempts_total",
			Help: "Authentication attempts, by action and result.",
		},
		[]string{"action", "result"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsActive, ConnectionsRejected, Requests, Deliveries, AuthAttempts)
}
