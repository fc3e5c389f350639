package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// ErrNotLonger is reported when a valid candidate chain does not beat the
// local one on length.
var ErrNotLonger = errors.New("candidate chain is not longer than the local chain")

// Outcome describes the last message seen by a Handler.
// Err is set when the message could not be decoded or its update was rejected.
type Outcome struct {
	Kind     Kind
	Accepted bool
	Err      error
}

// Handler owns the local chain and applies the append and replace rules to it.
// It is not safe for concurrent use; a single goroutine must own it.
type Handler struct {
	genesis Block
	chain   []Block
	logger  *slog.Logger
	last    Outcome
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler returns a Handler whose chain holds only the genesis block.
func NewHandler(opts ...Option) *Handler {
	genesis := Genesis()
	h := &Handler{
		genesis: genesis,
		chain:   []Block{genesis},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Genesis returns the genesis block the handler validates chains against.
func (h *Handler) Genesis() Block {
	return h.genesis
}

// Latest returns the tip of the chain.
func (h *Handler) Latest() Block {
	if len(h.chain) == 0 {
		panic("ledger: chain is empty")
	}
	return h.chain[len(h.chain)-1]
}

// Len returns the number of blocks in the chain, genesis included.
func (h *Handler) Len() int {
	return len(h.chain)
}

// Chain returns a copy of the chain.
func (h *Handler) Chain() []Block {
	return slices.Clone(h.chain)
}

// LastOutcome returns what happened to the last message passed to Handle or
// Process.
func (h *Handler) LastOutcome() Outcome {
	return h.last
}

// PushBlock appends b if it is a valid successor of the tip.
func (h *Handler) PushBlock(b Block) bool {
	return h.pushBlock(b) == nil
}

func (h *Handler) pushBlock(b Block) error {
	if err := b.Check(h.Latest()); err != nil {
		return err
	}
	h.chain = append(h.chain, b)
	return nil
}

// ReplaceChain swaps the whole local chain for candidate if candidate is
// valid and strictly longer. Equal length is a rejection.
func (h *Handler) ReplaceChain(candidate []Block) bool {
	return h.replaceChain(candidate) == nil
}

func (h *Handler) replaceChain(candidate []Block) error {
	if err := CheckChain(h.genesis, candidate); err != nil {
		return err
	}
	if len(candidate) <= len(h.chain) {
		return fmt.Errorf("%w: %d <= %d", ErrNotLonger, len(candidate), len(h.chain))
	}
	h.chain = slices.Clone(candidate)
	return nil
}

// Process applies msg and returns the reply, if any. Queries never change the
// chain; responses are applied and produce no reply whatever the result.
func (h *Handler) Process(msg Message) (Message, bool) {
	switch msg.Kind {
	case KindQueryLatest:
		h.last = Outcome{Kind: msg.Kind, Accepted: true}
		return ResponseLatest(h.Latest()), true
	case KindQueryAll:
		h.last = Outcome{Kind: msg.Kind, Accepted: true}
		return ResponseAll(h.Chain()), true
	case KindResponseLatest:
		err := h.pushBlock(msg.Block)
		h.record(msg.Kind, err)
		return Message{}, false
	case KindResponseAll:
		err := h.replaceChain(msg.Chain)
		h.record(msg.Kind, err)
		return Message{}, false
	default:
		h.last = Outcome{Kind: KindUnknown, Err: fmt.Errorf("%w: kind %d", ErrMalformed, msg.Kind)}
		return Message{}, false
	}
}

func (h *Handler) record(kind Kind, err error) {
	h.last = Outcome{Kind: kind, Accepted: err == nil, Err: err}
	if err != nil {
		h.logger.Debug("update rejected", "kind", kind, "err", err)
		return
	}
	tip := h.Latest()
	h.logger.Debug("update accepted", "kind", kind, "height", tip.Index, "hash", tip.Hash.Short())
}

// Handle decodes payload, processes it and encodes the reply. Payloads that do
// not decode are logged and dropped without a reply.
func (h *Handler) Handle(payload []byte) ([]byte, bool) {
	msg, err := Decode(payload)
	if err != nil {
		h.last = Outcome{Kind: KindUnknown, Err: err}
		h.logger.Warn("dropping undecodable message", "err", err)
		return nil, false
	}
	reply, ok := h.Process(msg)
	if !ok {
		return nil, false
	}
	out, err := Encode(reply)
	if err != nil {
		// Replies are built from valid local state; failing here is a bug.
		panic(fmt.Sprintf("ledger: encoding %s reply: %v", reply.Kind, err))
	}
	return out, true
}
