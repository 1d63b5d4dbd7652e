package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the screen-share relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: screenway (application-level grouping)
// - subsystem: websocket, presence, room, signaling (feature-level grouping)
// - name: specific metric (connections_active, forwards_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, online users, rooms)
// - Counter: Cumulative events (relayed frames, evictions, errors)

var (
	// ActiveConnections tracks live WebSocket connections per channel kind.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "screenway",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections by channel",
	}, []string{"channel"})

	// QueueOverflowDisconnects counts connections dropped because their
	// outbound queue filled up faster than the peer could drain it.
	QueueOverflowDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "websocket",
		Name:      "queue_overflow_disconnects_total",
		Help:      "Connections force-closed due to outbound queue overflow",
	})

	// RelayedMessages counts every frame the router forwarded, by flow.
	RelayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "room",
		Name:      "relayed_messages_total",
		Help:      "Messages forwarded between room connections",
	}, []string{"flow"})

	// RelayedBytes counts forwarded payload bytes, by flow.
	RelayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "room",
		Name:      "relayed_bytes_total",
		Help:      "Payload bytes forwarded between room connections",
	}, []string{"flow"})

	// DroppedMessages counts frames the router refused to forward.
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "room",
		Name:      "dropped_messages_total",
		Help:      "Inbound frames dropped instead of forwarded",
	}, []string{"reason"})

	// ActiveRooms tracks the current number of rooms in the table.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenway",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomsReaped counts empty rooms deleted by the periodic sweep.
	RoomsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "room",
		Name:      "rooms_reaped_total",
		Help:      "Empty rooms removed by the periodic sweep",
	})

	// OnlineUsers tracks the size of the presence registry.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenway",
		Subsystem: "presence",
		Name:      "online_users",
		Help:      "Current number of logged-in users",
	})

	// Logins counts accepted login messages.
	Logins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "presence",
		Name:      "logins_total",
		Help:      "Accepted login messages",
	})

	// Evictions counts users removed from the registry, by reason.
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "presence",
		Name:      "evictions_total",
		Help:      "Users removed from the presence registry",
	}, []string{"reason"})

	// RosterBroadcasts counts online_users_update fan-outs.
	RosterBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "presence",
		Name:      "roster_broadcasts_total",
		Help:      "Roster update broadcasts to login connections",
	})

	// SignalingForwards counts relayed signaling messages by type.
	SignalingForwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "signaling",
		Name:      "forwards_total",
		Help:      "Signaling messages relayed between login connections",
	}, []string{"type"})

	// SignalingErrors counts watch_request_error replies by cause.
	SignalingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "signaling",
		Name:      "errors_total",
		Help:      "Signaling forwards that failed",
	}, []string{"reason"})

	// RateLimitExceeded counts rejected upgrade attempts.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "WebSocket upgrades rejected by the rate limiter",
	}, []string{"scope"})

	// CircuitBreakerState reports the snapshot store breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "screenway",
		Subsystem: "presence",
		Name:      "circuit_breaker_state",
		Help:      "Snapshot store circuit breaker state",
	}, []string{"service"})

	// CircuitBreakerFailures counts operations dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenway",
		Subsystem: "presence",
		Name:      "circuit_breaker_failures_total",
		Help:      "Snapshot store operations rejected by the circuit breaker",
	}, []string{"service"})
)

// IncConnection records a new live connection on the given channel.
func IncConnection(channel string) {
	ActiveConnections.WithLabelValues(channel).Inc()
}

// DecConnection records a connection teardown on the given channel.
func DecConnection(channel string) {
	ActiveConnections.WithLabelValues(channel).Dec()
}
