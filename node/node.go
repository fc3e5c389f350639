package node

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	evbus "github.com/asaskevich/EventBus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luca-patrignani/p2p-ledger/ledger"
	"github.com/luca-patrignani/p2p-ledger/network"
)

// Topics published on the node's event bus.
const (
	// TopicTip carries the new tip (ledger.Block) whenever it changes.
	TopicTip = "ledger:tip"
	// TopicChain carries a copy of the chain ([]ledger.Block) for /chain.
	TopicChain = "ledger:chain"
	// TopicLatest carries the tip (ledger.Block) for /latest.
	TopicLatest = "ledger:latest"
	// TopicPeers carries the reachable peers ([]string) for /peers.
	TopicPeers = "ledger:peers"
	// TopicNotice carries a line of text for the operator.
	TopicNotice = "ledger:notice"
)

const outboxSize = 64

// ErrTransportClosed is returned by Run when the transport stops delivering
// payloads.
var ErrTransportClosed = errors.New("transport closed")

// Node drives a ledger.Handler from a network.Transport and operator input.
// Every access to the handler happens on the goroutine running Run.
type Node struct {
	handler    *ledger.Handler
	transport  network.Transport
	logger     *slog.Logger
	clock      func() time.Time
	metrics    *Metrics
	bus        evbus.Bus
	syncOnJoin bool

	outbox    chan []byte
	snapshots chan chan []ledger.Block
}

func New(transport network.Transport, opts ...Option) *Node {
	n := &Node{
		transport:  transport,
		logger:     slog.Default(),
		clock:      time.Now,
		syncOnJoin: true,
		outbox:     make(chan []byte, outboxSize),
		snapshots:  make(chan chan []ledger.Block),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if n.bus == nil {
		n.bus = evbus.New()
	}
	n.handler = ledger.NewHandler(ledger.WithLogger(n.logger))
	n.metrics.Height.Set(float64(n.handler.Len()))
	return n
}

// Bus returns the bus the node publishes its events on.
func (n *Node) Bus() evbus.Bus {
	return n.bus
}

// Run processes one event at a time until ctx is done, lines is closed or
// the transport closes its payload channel. A nil lines channel means there
// is no operator input.
func (n *Node) Run(ctx context.Context, lines <-chan string) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.drainOutbox(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	payloads := n.transport.Payloads()
	joined := n.transport.Joined()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-payloads:
			if !ok {
				return ErrTransportClosed
			}
			n.receive(payload)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			n.input(line)
		case peer := <-joined:
			n.peerJoined(peer)
		case reply := <-n.snapshots:
			reply <- n.handler.Chain()
		}
	}
}

// Snapshot returns a copy of the chain, read by the running event loop.
func (n *Node) Snapshot(ctx context.Context) ([]ledger.Block, error) {
	reply := make(chan []ledger.Block, 1)
	select {
	case n.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case chain := <-reply:
		return chain, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) receive(payload network.Payload) {
	n.logger.Debug("received", "from", payload.From, "payload", string(payload.Data))
	tip := n.handler.Latest().Hash
	reply, ok := n.handler.Handle(payload.Data)
	n.metrics.observe(n.handler.LastOutcome(), n.handler.Len())
	n.tipChanged(tip)
	if ok {
		n.publish(reply)
	}
}

func (n *Node) input(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	// Block data travels as JSON text, which cannot carry invalid UTF-8
	// without changing the hashed bytes.
	if !utf8.ValidString(line) {
		n.notice("not appended: line is not valid UTF-8")
		return
	}
	if strings.HasPrefix(line, "/") {
		n.command(line)
		return
	}
	n.appendLocal(line)
}

// appendLocal adds a block carrying data on top of the local tip and announces it.
func (n *Node) appendLocal(data string) {
	tip := n.handler.Latest()
	block := ledger.GenerateBlockAt(data, tip, n.clock())
	if !n.handler.PushBlock(block) {
		// GenerateBlockAt always builds a valid successor.
		panic("node: locally generated block rejected")
	}
	n.metrics.Height.Set(float64(n.handler.Len()))
	n.logger.Info("block appended", "index", block.Index, "hash", block.Hash.Short())
	n.tipChanged(tip.Hash)
	n.send(ledger.ResponseLatest(block))
}

func (n *Node) peerJoined(peer string) {
	n.logger.Info("peer joined", "peer", peer)
	if n.syncOnJoin {
		n.send(ledger.QueryAll())
	}
}

func (n *Node) tipChanged(previous ledger.Hash) {
	tip := n.handler.Latest()
	if tip.Hash != previous {
		n.bus.Publish(TopicTip, tip)
	}
}

func (n *Node) send(msg ledger.Message) {
	payload, err := ledger.Encode(msg)
	if err != nil {
		n.logger.Error("encoding message", "kind", msg.Kind, "err", err)
		return
	}
	n.publish(payload)
}

// publish queues payload for the outbox goroutine. Gossip is best effort: a
// full outbox drops the payload.
func (n *Node) publish(payload []byte) {
	select {
	case n.outbox <- payload:
	default:
		n.metrics.PublishErrors.Inc()
		n.logger.Warn("outbox full, dropping message")
	}
}

func (n *Node) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-n.outbox:
			err := n.transport.Publish(ctx, payload)
			switch {
			case err == nil:
			case errors.Is(err, network.ErrNoPeers):
				n.logger.Debug("no peers to publish to")
			case ctx.Err() != nil:
				return
			default:
				n.metrics.PublishErrors.Inc()
				n.logger.Warn("publish failed", "err", err)
			}
		}
	}
}
