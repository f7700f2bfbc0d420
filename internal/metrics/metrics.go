// Package metrics exposes the process-wide Prometheus gauges and counters
// for the ocean server. Nothing here holds game state; it only mirrors
// counts the room and room-manager layers already track, scraped at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoomsActive is the current number of live rooms.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocean",
		Name:      "rooms_active",
		Help:      "Number of rooms currently held by the room manager.",
	})

	// PlayersConnected is the current number of connected players across
	// all rooms.
	PlayersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocean",
		Name:      "players_connected",
		Help:      "Number of players currently connected across all rooms.",
	})

	// MessagesDropped counts malformed or unauthorised inbound messages
	// dropped by a room, labelled by the reason they were dropped.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ocean",
		Name:      "messages_dropped_total",
		Help:      "Inbound messages dropped by a room, by reason.",
	}, []string{"reason"})

	// HostMigrations counts host re-elections across all rooms.
	HostMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ocean",
		Name:      "host_migrations_total",
		Help:      "Number of times a room's host slot was re-assigned after a disconnect.",
	})

	// RoomsDestroyed counts rooms torn down by the empty-room grace
	// window, the periodic cleanup sweep, or shutdown.
	RoomsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ocean",
		Name:      "rooms_destroyed_total",
		Help:      "Number of rooms destroyed by cleanup, grace-window expiry or shutdown.",
	})
)

// DroppedReason enumerates the label values used with MessagesDropped, kept
// as constants so call sites can't typo a cardinality-exploding label.
const (
	ReasonMalformed    = "malformed"
	ReasonUnauthorised = "unauthorised"
	ReasonUnknownType  = "unknown_type"
	ReasonDuplicate    = "duplicate"
	ReasonBackpressure = "backpressure"
)
