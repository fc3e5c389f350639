package network

import (
	"context"
	"errors"
)

// MaxPayloadSize is the largest payload a transport accepts.
const MaxPayloadSize = 32 << 20

// ErrNoPeers is returned by Publish when there is nobody to deliver to.
var ErrNoPeers = errors.New("no known peers")

// Payload is an opaque message received from a peer.
type Payload struct {
	From string
	Data []byte
}

// Transport delivers payloads to every known peer and reports payloads and
// newly reachable peers as they arrive.
type Transport interface {
	// Publish delivers payload to all known peers.
	Publish(ctx context.Context, payload []byte) error

	// Payloads returns the inbound payloads. The channel is closed if the
	// transport stops receiving for good.
	Payloads() <-chan Payload

	// Joined reports peers that became reachable.
	Joined() <-chan string

	// Peers returns the currently known peers.
	Peers() []string

	Close() error
}
