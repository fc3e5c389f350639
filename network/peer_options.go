package network

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"
)

type PeerOption func(*Peer)

// WithTimeout bounds how long a single delivery is retried. Zero retries
// forever, until the publishing context ends.
func WithTimeout(timeout time.Duration) PeerOption {
	return func(p *Peer) {
		p.timeout = timeout
	}
}

// WithCertificate serves and dials over TLS, presenting cert both as server
// and as client certificate.
func WithCertificate(cert tls.Certificate) PeerOption {
	return func(p *Peer) {
		if p.tlsConfig == nil {
			p.tlsConfig = &tls.Config{}
		}
		p.tlsConfig.Certificates = append(p.tlsConfig.Certificates, cert)
		p.scheme = "https"
	}
}

// WithLimitedCAs trusts only certPool, for servers and for clients.
func WithLimitedCAs(certPool *x509.CertPool) PeerOption {
	return func(p *Peer) {
		if p.tlsConfig == nil {
			p.tlsConfig = &tls.Config{}
		}
		p.tlsConfig.RootCAs = certPool
		p.tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		p.tlsConfig.ClientCAs = certPool
	}
}

// WithAdvertisedAddress sets the address announced to other peers, for
// listeners bound to a wildcard address.
func WithAdvertisedAddress(addr string) PeerOption {
	return func(p *Peer) {
		p.advertise = addr
	}
}

func WithLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}
