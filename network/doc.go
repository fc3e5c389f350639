// Package network provides the HTTP gossip transport peers use to exchange
// ledger messages.
//
// # Core Components
//
// Transport: the interface the node drives. It publishes an opaque payload
// to every known peer and reports inbound payloads and newly reachable peers.
//
// Peer: an HTTP implementation of Transport. Each node serves POST requests
// on its own listener and keeps an address book of the peers it publishes to.
// A node that receives a payload learns the sender's address from the
// Sender-Address header, so dialing a single peer is enough to join.
//
// # Authentication
//
// Every POST carries the sender's node id, its kyber public key and a Schnorr
// signature over the body. Payloads whose key does not hash to the claimed id
// or whose signature does not verify are refused with 401.
//
// # Timeout Support
//
// Deliveries that fail with a transport error or a 5xx status are retried
// until the timeout set with WithTimeout expires. 4xx statuses are final.
//
// # TLS
//
// WithCertificate and WithLimitedCAs switch both the server and the client
// to mutually authenticated TLS; GenerateSelfSignedCert creates suitable
// certificates.
package network
