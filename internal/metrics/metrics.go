// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// OnlineUsers tracks the size of the connection registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Users with a live websocket connection",
	})

	// MatchPoolSize tracks the matchmaking waiting pool.
	MatchPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_match_pool_size",
		Help: "Identities waiting for a random-chat partner",
	})

	// ActiveRooms tracks live ephemeral rooms. Rooms have no timer-based
	// expiry, so a leak from missed teardown events would show up here.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_rooms",
		Help: "Live ephemeral chat rooms",
	})

	// MessagesSent counts durable direct messages accepted by the store.
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_sent_total",
		Help: "Direct messages persisted",
	})

	// MatchesPaired counts successful random-chat pairings.
	MatchesPaired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_matches_paired_total",
		Help: "Random-chat pairings made",
	})
)

// Register installs all collectors on the default registry.
// Call once at startup.
func Register() {
	prometheus.MustRegister(
		OnlineUsers,
		MatchPoolSize,
		ActiveRooms,
		MessagesSent,
		MatchesPaired,
	)
}
