package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"

	ledgernet "github.com/luca-patrignani/p2p-ledger/network"
)

const (
	// Topic carries every ledger message.
	Topic = "/"
	// ServiceName is the mDNS service nodes of the same ledger look for.
	ServiceName = "p2p-ledger"

	connectTimeout = 10 * time.Second
)

// Host is a libp2p implementation of network.Transport. Messages are
// published on a single pubsub topic; peers on the local network are found
// with mDNS.
type Host struct {
	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	events *pubsub.TopicEventHandler
	mdns   mdns.Service
	logger *slog.Logger

	listenAddrs []string
	withMDNS    bool

	payloads  chan ledgernet.Payload
	joined    chan string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ ledgernet.Transport = (*Host)(nil)

// New creates a libp2p host with a fresh Ed25519 key, joins Topic and starts
// mDNS unless WithoutMDNS is given.
func New(opts ...Option) (*Host, error) {
	h := &Host{
		listenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		withMDNS:    true,
		logger:      slog.Default(),
		payloads:    make(chan ledgernet.Payload, 128),
		joined:      make(chan string, 16),
	}
	for _, opt := range opts {
		opt(h)
	}
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}
	h.host, err = libp2p.New(libp2p.Identity(priv), libp2p.ListenAddrStrings(h.listenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	if err := h.join(ctx); err != nil {
		cancel()
		return nil, errors.Join(err, h.host.Close())
	}
	if h.withMDNS {
		h.mdns = mdns.NewMdnsService(h.host, ServiceName, h)
		if err := h.mdns.Start(); err != nil {
			cancel()
			return nil, errors.Join(fmt.Errorf("starting mdns: %w", err), h.host.Close())
		}
	}
	h.wg.Add(2)
	go h.readLoop(ctx)
	go h.eventLoop(ctx)
	h.logger.Info("libp2p host started", "id", h.host.ID().String(), "addrs", h.Addrs())
	return h, nil
}

func (h *Host) join(ctx context.Context) error {
	var err error
	h.ps, err = pubsub.NewGossipSub(ctx, h.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
		pubsub.WithMaxMessageSize(ledgernet.MaxPayloadSize),
	)
	if err != nil {
		return fmt.Errorf("creating pubsub: %w", err)
	}
	if h.topic, err = h.ps.Join(Topic); err != nil {
		return fmt.Errorf("joining topic %q: %w", Topic, err)
	}
	if h.sub, err = h.topic.Subscribe(); err != nil {
		return fmt.Errorf("subscribing to %q: %w", Topic, err)
	}
	if h.events, err = h.topic.EventHandler(); err != nil {
		return fmt.Errorf("watching %q: %w", Topic, err)
	}
	return nil
}

// ID returns the libp2p peer id of the host.
func (h *Host) ID() string {
	return h.host.ID().String()
}

// Addrs returns the full /p2p multiaddresses other nodes can Dial.
func (h *Host) Addrs() []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// Dial connects to the peer at the multiaddress addr, which must end with
// its /p2p component.
func (h *Host) Dial(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", addr, err)
	}
	if err := h.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connecting to %s: %w", info.ID, err)
	}
	h.logger.Info("connected", "peer", info.ID.String())
	return nil
}

// HandlePeerFound connects to peers found by mDNS.
func (h *Host) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == h.host.ID() || h.host.Network().Connectedness(info.ID) == network.Connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := h.host.Connect(ctx, info); err != nil {
		h.logger.Debug("mdns connect failed", "peer", info.ID.String(), "err", err)
		return
	}
	h.logger.Info("discovered peer", "peer", info.ID.String())
}

// Publish sends payload to the topic.
func (h *Host) Publish(ctx context.Context, payload []byte) error {
	if len(h.topic.ListPeers()) == 0 {
		return ledgernet.ErrNoPeers
	}
	return h.topic.Publish(ctx, payload)
}

// Peers returns the ids of the peers subscribed to the topic.
func (h *Host) Peers() []string {
	ids := h.topic.ListPeers()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// Payloads returns the messages published by other peers. It is closed
// when the host is closed.
func (h *Host) Payloads() <-chan ledgernet.Payload {
	return h.payloads
}

// Joined reports the ids of peers as they subscribe to the topic.
func (h *Host) Joined() <-chan string {
	return h.joined
}

func (h *Host) readLoop(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.payloads)
	for {
		msg, err := h.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == h.host.ID() {
			continue
		}
		// From is the publisher, ReceivedFrom only the last hop.
		select {
		case h.payloads <- ledgernet.Payload{From: msg.GetFrom().String(), Data: msg.GetData()}:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Host) eventLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		ev, err := h.events.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		if ev.Type != pubsub.PeerJoin {
			continue
		}
		select {
		case h.joined <- ev.Peer.String():
		default:
			h.logger.Debug("join notification dropped", "peer", ev.Peer.String())
		}
	}
}

// Close leaves the topic and shuts the host down.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		h.sub.Cancel()
		h.events.Cancel()
		h.wg.Wait()
		var errs []error
		if h.mdns != nil {
			errs = append(errs, h.mdns.Close())
		}
		errs = append(errs, h.host.Close())
		err = errors.Join(errs...)
	})
	return err
}
