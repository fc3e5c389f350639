package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/luca-patrignani/p2p-ledger/identity"
)

const (
	headerSender        = "Sender"
	headerSenderAddress = "Sender-Address"
	headerPublicKey     = "Public-Key"
	headerSignature     = "Signature"

	retryInterval = 50 * time.Millisecond
)

// errRejected marks responses that retrying cannot fix.
var errRejected = errors.New("rejected by peer")

// Peer is an HTTP gossip node. Every payload it publishes is POSTed to each
// address in its address book, signed with its identity; every signed POST it
// receives is delivered on Payloads.
type Peer struct {
	identity  *identity.Identity
	listener  net.Listener
	server    *http.Server
	handler   *gossipHandler
	client    *http.Client
	timeout   time.Duration
	tlsConfig *tls.Config
	scheme    string
	advertise string
	logger    *slog.Logger
	closeOnce sync.Once

	mu        sync.RWMutex
	addresses map[string]struct{}
	joined    chan string
}

// NewPeer starts serving on l and returns the peer. The address book is
// empty; fill it with AddPeer.
func NewPeer(id *identity.Identity, l net.Listener, opts ...PeerOption) *Peer {
	p := &Peer{
		identity:  id,
		listener:  l,
		timeout:   30 * time.Second,
		scheme:    "http",
		logger:    slog.Default(),
		addresses: make(map[string]struct{}),
		joined:    make(chan string, 16),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.handler = &gossipHandler{
		peer:     p,
		payloads: make(chan Payload, 128),
		closed:   make(chan struct{}),
	}
	transport := &http.Transport{TLSClientConfig: p.tlsConfig}
	p.client = &http.Client{Transport: transport, Timeout: p.timeout}
	p.server = &http.Server{Handler: p.handler}

	if p.tlsConfig != nil {
		l = tls.NewListener(l, p.tlsConfig)
	}
	go func() {
		err := p.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("gossip server stopped", "err", err)
		}
	}()
	return p
}

// ID returns the node id of the peer.
func (p *Peer) ID() string {
	return p.identity.ID()
}

// Address returns the host:port other peers reach this one at: the
// advertised address if one was set, the listener address otherwise.
func (p *Peer) Address() string {
	if p.advertise != "" {
		return p.advertise
	}
	return p.listener.Addr().String()
}

// AddPeer adds addr to the address book and reports whether it was new.
func (p *Peer) AddPeer(addr string) bool {
	if addr == "" || addr == p.Address() {
		return false
	}
	p.mu.Lock()
	_, known := p.addresses[addr]
	if !known {
		p.addresses[addr] = struct{}{}
	}
	p.mu.Unlock()
	if known {
		return false
	}
	p.logger.Info("peer added", "address", addr)
	select {
	case p.joined <- addr:
	default:
		p.logger.Debug("join notification dropped", "address", addr)
	}
	return true
}

func (p *Peer) RemovePeer(addr string) {
	p.mu.Lock()
	_, known := p.addresses[addr]
	delete(p.addresses, addr)
	p.mu.Unlock()
	if known {
		p.logger.Info("peer removed", "address", addr)
	}
}

// Peers returns the address book sorted.
func (p *Peer) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peers := make([]string, 0, len(p.addresses))
	for addr := range p.addresses {
		peers = append(peers, addr)
	}
	slices.Sort(peers)
	return peers
}

// Payloads returns the inbound payloads. It is never closed.
func (p *Peer) Payloads() <-chan Payload {
	return p.handler.payloads
}

func (p *Peer) Joined() <-chan string {
	return p.joined
}

// Publish sends payload to every known peer. Each delivery is retried until
// it succeeds or the peer timeout expires; the failures are joined.
func (p *Peer) Publish(ctx context.Context, payload []byte) error {
	peers := p.Peers()
	if len(peers) == 0 {
		return ErrNoPeers
	}
	sig, err := p.identity.Sign(payload)
	if err != nil {
		return fmt.Errorf("signing payload: %w", err)
	}
	var errs []error
	for _, addr := range peers {
		if err := p.send(ctx, addr, payload, sig); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Peer) send(ctx context.Context, addr string, payload, sig []byte) error {
	start := time.Now()
	for {
		err := p.post(ctx, addr, payload, sig)
		if err == nil || errors.Is(err, errRejected) {
			return err
		}
		if p.timeout > 0 && time.Since(start) > p.timeout {
			return fmt.Errorf("delivery attempts timed out: %w", err)
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(retryInterval):
		}
	}
}

func (p *Peer) post(ctx context.Context, addr string, payload, sig []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.scheme+"://"+addr, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	req.Header.Set(headerSender, p.identity.ID())
	req.Header.Set(headerSenderAddress, p.Address())
	req.Header.Set(headerPublicKey, hex.EncodeToString(p.identity.PublicKey()))
	req.Header.Set(headerSignature, hex.EncodeToString(sig))
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status code %d", errRejected, resp.StatusCode)
	default:
		return fmt.Errorf("unsuccessful status code %d", resp.StatusCode)
	}
}

// Close stops the server. Pending handlers give up delivering.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() { close(p.handler.closed) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.server.Shutdown(ctx)
}

type gossipHandler struct {
	peer     *Peer
	payloads chan Payload
	closed   chan struct{}
}

func (h *gossipHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	content, err := io.ReadAll(io.LimitReader(req.Body, MaxPayloadSize+1))
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	if len(content) > MaxPayloadSize {
		rw.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	sender := req.Header.Get(headerSender)
	if err := verifyEnvelope(sender, req.Header.Get(headerPublicKey), req.Header.Get(headerSignature), content); err != nil {
		h.peer.logger.Warn("rejecting unsigned or forged payload", "sender", sender, "remote", req.RemoteAddr, "err", err)
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}
	h.peer.AddPeer(req.Header.Get(headerSenderAddress))

	select {
	case h.payloads <- Payload{From: sender, Data: content}:
		rw.WriteHeader(http.StatusAccepted)
	case <-req.Context().Done():
		rw.WriteHeader(http.StatusServiceUnavailable)
	case <-h.closed:
		rw.WriteHeader(http.StatusServiceUnavailable)
	}
}

func verifyEnvelope(sender, pubHex, sigHex string, content []byte) error {
	if sender == "" {
		return fmt.Errorf("%s header missing", headerSender)
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("%s header: %w", headerPublicKey, err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%s header: %w", headerSignature, err)
	}
	return identity.VerifyFrom(sender, pub, content, sig)
}

// CreateListeners opens n listeners on localhost ports chosen by the OS.
func CreateListeners(n int) ([]net.Listener, []string) {
	listeners := make([]net.Listener, n)
	addresses := make([]string, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(err)
		}
		listeners[i] = l
		addresses[i] = l.Addr().String()
	}
	return listeners, addresses
}
