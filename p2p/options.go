package p2p

import "log/slog"

type Option func(*Host)

// WithListenAddrs replaces the default /ip4/0.0.0.0/tcp/0 listen address.
func WithListenAddrs(addrs ...string) Option {
	return func(h *Host) {
		h.listenAddrs = addrs
	}
}

// WithoutMDNS disables local network discovery; peers must be dialed.
func WithoutMDNS() Option {
	return func(h *Host) {
		h.withMDNS = false
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}
