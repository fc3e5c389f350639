package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/luca-patrignani/p2p-ledger/discovery"
	"github.com/luca-patrignani/p2p-ledger/identity"
	"github.com/luca-patrignani/p2p-ledger/network"
	"github.com/luca-patrignani/p2p-ledger/node"
	"github.com/luca-patrignani/p2p-ledger/p2p"
)

const (
	transportHTTP   = "http"
	transportLibp2p = "libp2p"

	discoveryInterval = time.Second
	discoveryTTL      = 10 * time.Second
)

type runOptions struct {
	transport     string
	listen        string
	discoveryPort uint16
	mdns          bool
	tlsCert       string
	tlsKey        string
	tlsCA         string
	logLevel      string
	logFile       string
	metricsAddr   string
	timeout       time.Duration
	syncOnJoin    bool
	detach        bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run [peer-address]",
		Short: "Start a ledger node",
		Long: `Start a ledger node and read operator input from stdin.

Every line typed is appended to the ledger as a new block and announced to
the peers. Lines starting with / are commands; type /help for the list.

With the http transport the optional peer address is host:port; a host made
of trailing octets only, such as 42 or 0.42, is completed with the octets of
the listening address. With the libp2p transport it is a multiaddress ending
with /p2p/<peer id>.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, opts, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.transport, "transport", transportHTTP, "transport to use: http or libp2p")
	flags.StringVar(&opts.listen, "listen", "", "listen address (default 127.0.0.1:0 for http, /ip4/0.0.0.0/tcp/0 for libp2p)")
	flags.Uint16Var(&opts.discoveryPort, "discovery-port", 53552, "UDP multicast port for http peer discovery, 0 disables it")
	flags.BoolVar(&opts.mdns, "mdns", true, "discover libp2p peers on the local network with mDNS")
	flags.StringVar(&opts.tlsCert, "tls-cert", "", "PEM certificate for https (see the cert command)")
	flags.StringVar(&opts.tlsKey, "tls-key", "", "PEM private key for https")
	flags.StringVar(&opts.tlsCA, "tls-ca", "", "PEM bundle of the peer certificates to trust")
	flags.StringVar(&opts.logLevel, "log-level", "info", "trace, debug, info, warn, error or off")
	flags.StringVar(&opts.logFile, "log-file", "", "write JSON logs to this rotated file instead of the terminal")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long a delivery to an http peer is retried")
	flags.BoolVar(&opts.syncOnJoin, "sync-on-join", true, "ask for the chain whenever a peer joins")
	flags.BoolVar(&opts.detach, "detach", false, "ignore stdin and run until interrupted")
	return cmd
}

func runNode(cmd *cobra.Command, opts runOptions, args []string) error {
	logger, closeLog, err := newLogger(opts.logLevel, opts.logFile)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner()

	var transport network.Transport
	switch opts.transport {
	case transportHTTP:
		transport, err = startHTTP(ctx, logger, opts, args)
	case transportLibp2p:
		transport, err = startLibp2p(ctx, logger, opts, args)
	default:
		err = fmt.Errorf("unknown transport %q", opts.transport)
	}
	if err != nil {
		return err
	}
	defer transport.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n := node.New(transport,
		node.WithLogger(logger),
		node.WithMetrics(node.NewMetrics(reg)),
		node.WithSyncOnJoin(opts.syncOnJoin),
	)
	if err := attachConsole(n.Bus()); err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		if err := serveMetrics(ctx, logger, opts.metricsAddr, reg); err != nil {
			return err
		}
	}

	var lines <-chan string
	if !opts.detach {
		lines = scanLines(ctx, cmd.InOrStdin())
		pterm.Info.Println("Type a line to append a block, /help for commands")
	}
	err = n.Run(ctx, lines)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startHTTP(ctx context.Context, logger *slog.Logger, opts runOptions, args []string) (network.Transport, error) {
	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	listen := opts.listen
	if listen == "" {
		listen = "127.0.0.1:0"
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listen, err)
	}
	peerOpts := []network.PeerOption{
		network.WithTimeout(opts.timeout),
		network.WithLogger(logger),
		network.WithAdvertisedAddress(advertisedAddress(l)),
	}
	tlsOpts, err := loadTLS(opts)
	if err != nil {
		return nil, errors.Join(err, l.Close())
	}
	peer := network.NewPeer(id, l, append(peerOpts, tlsOpts...)...)
	pterm.Info.Printfln("Node %s listening on %s", peer.ID(), peer.Address())

	if len(args) == 1 {
		local := l.Addr().(*net.TCPAddr)
		addr, err := resolvePeerAddress(local, args[0])
		if err != nil {
			return nil, errors.Join(err, peer.Close())
		}
		if subnet, err := subnetOfListener(l.(*net.TCPListener)); err == nil {
			if host, _, _ := net.SplitHostPort(addr); net.ParseIP(host) != nil && !subnet.Contains(net.ParseIP(host)) {
				logger.Warn("peer is outside the local subnet", "peer", addr, "subnet", subnet.String())
			}
		}
		peer.AddPeer(addr)
	}

	if opts.discoveryPort != 0 {
		startDiscovery(ctx, logger, peer, opts.discoveryPort)
	}
	return peer, nil
}

// startDiscovery announces peer on the multicast group and keeps its address
// book in sync with the announcements heard. Failing to join the group only
// disables discovery.
func startDiscovery(ctx context.Context, logger *slog.Logger, peer *network.Peer, port uint16) {
	d := &discovery.Discover{
		Info:                         discovery.Announcement{ID: peer.ID(), Address: peer.Address()}.Encode(),
		Port:                         port,
		IntervalBetweenAnnouncements: discoveryInterval,
	}
	if err := d.Start(); err != nil {
		logger.Warn("peer discovery disabled", "port", port, "err", err)
		return
	}
	tracker := &discovery.Tracker{
		Self:     peer.ID(),
		TTL:      discoveryTTL,
		OnJoin:   func(a discovery.Announcement) { peer.AddPeer(a.Address) },
		OnExpire: func(a discovery.Announcement) { peer.RemovePeer(a.Address) },
		Logger:   logger,
	}
	go func() {
		tracker.Run(ctx, d.Entries)
		_ = d.Close()
	}()
}

func loadTLS(opts runOptions) ([]network.PeerOption, error) {
	var peerOpts []network.PeerOption
	if opts.tlsCert != "" || opts.tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.tlsCert, opts.tlsKey)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		peerOpts = append(peerOpts, network.WithCertificate(cert))
	}
	if opts.tlsCA != "" {
		pem, err := os.ReadFile(opts.tlsCA)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", opts.tlsCA)
		}
		peerOpts = append(peerOpts, network.WithLimitedCAs(pool))
	}
	return peerOpts, nil
}

func startLibp2p(ctx context.Context, logger *slog.Logger, opts runOptions, args []string) (network.Transport, error) {
	hostOpts := []p2p.Option{p2p.WithLogger(logger)}
	if opts.listen != "" {
		hostOpts = append(hostOpts, p2p.WithListenAddrs(opts.listen))
	}
	if !opts.mdns {
		hostOpts = append(hostOpts, p2p.WithoutMDNS())
	}
	h, err := p2p.New(hostOpts...)
	if err != nil {
		return nil, err
	}
	pterm.Info.Printfln("Local peer id: %s", h.ID())
	for _, addr := range h.Addrs() {
		pterm.Info.Printfln("Listening on %s", addr)
	}
	if len(args) == 1 {
		dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		if err := h.Dial(dialCtx, args[0]); err != nil {
			return nil, errors.Join(err, h.Close())
		}
		pterm.Info.Printfln("Dialed %s", args[0])
	}
	return h, nil
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, reg *prometheus.Registry) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", "address", l.Addr().String())
	return nil
}

// scanLines feeds the lines read from r to the returned channel, which is
// closed at end of input.
func scanLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
