package node

import (
	"log/slog"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

type Option func(*Node)

func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithClock replaces time.Now as the source of local block timestamps.
func WithClock(clock func() time.Time) Option {
	return func(n *Node) {
		n.clock = clock
	}
}

func WithMetrics(m *Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithBus publishes the node events on bus instead of a private one.
func WithBus(bus evbus.Bus) Option {
	return func(n *Node) {
		n.bus = bus
	}
}

// WithSyncOnJoin sets whether a QueryAll is published whenever a peer joins.
// It is on by default.
func WithSyncOnJoin(enabled bool) Option {
	return func(n *Node) {
		n.syncOnJoin = enabled
	}
}
