// Package p2p provides a libp2p transport for ledger messages.
//
// Every node joins the pubsub topic "/" and publishes ledger messages on it.
// Nodes on the same local network find each other with mDNS; others are
// reached with Dial and a /p2p multiaddress.
package p2p
