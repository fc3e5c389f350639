package node

import (
	"fmt"
	"strings"

	"github.com/luca-patrignani/p2p-ledger/ledger"
)

const helpText = `commands:
  <text>          append a block carrying <text> and announce it
  /latest         show the latest block
  /chain          show the whole chain
  /peers          list the reachable peers
  /sync           ask every peer for its chain
  /query-latest   ask every peer for its latest block
  /send <json>    publish a raw protocol message
  /help           show this help`

func (n *Node) command(line string) {
	name, arg, _ := strings.Cut(line, " ")
	switch name {
	case "/latest":
		n.bus.Publish(TopicLatest, n.handler.Latest())
	case "/chain":
		n.bus.Publish(TopicChain, n.handler.Chain())
	case "/peers":
		n.bus.Publish(TopicPeers, n.transport.Peers())
	case "/sync":
		n.send(ledger.QueryAll())
		n.notice("asked peers for their chains")
	case "/query-latest":
		n.send(ledger.QueryLatest())
		n.notice("asked peers for their latest block")
	case "/send":
		n.sendRaw(strings.TrimSpace(arg))
	case "/help":
		n.notice(helpText)
	default:
		n.notice(fmt.Sprintf("unknown command %s, try /help", name))
	}
}

// sendRaw publishes payload as typed, once it is known to decode.
func (n *Node) sendRaw(payload string) {
	msg, err := ledger.Decode([]byte(payload))
	if err != nil {
		n.notice(fmt.Sprintf("not sent: %v", err))
		return
	}
	n.publish([]byte(payload))
	n.notice(fmt.Sprintf("sent %s", msg.Kind))
}

func (n *Node) notice(text string) {
	n.bus.Publish(TopicNotice, text)
}
