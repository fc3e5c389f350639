package ledger

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

// TestNewHandlerStartsAtGenesis verifies that a new handler holds exactly the
// genesis block.
func TestNewHandlerStartsAtGenesis(t *testing.T) {
	h := NewHandler()
	if h.Len() != 1 {
		t.Fatalf("expected 1 block (genesis), got %d", h.Len())
	}
	if h.Latest() != Genesis() {
		t.Fatal("latest block should be the genesis block")
	}
	if h.Genesis() != Genesis() {
		t.Fatal("handler genesis differs from the constant")
	}
}

// TestReplaceChainLongerValid is scenario A: a valid chain one block longer
// replaces genesis-only state.
func TestReplaceChainLongerValid(t *testing.T) {
	h := NewHandler()
	g := h.Latest()
	if !h.ReplaceChain([]Block{g, GenerateBlock("x", g)}) {
		t.Fatal("longer valid chain should be accepted")
	}
	if h.Latest().Data != "x" {
		t.Fatalf("expected latest data x, got %q", h.Latest().Data)
	}
}

// TestReplaceChainShorter is scenario B: a shorter chain is rejected and the
// local chain is kept.
func TestReplaceChainShorter(t *testing.T) {
	h := NewHandler()
	b1 := GenerateBlock("b1", h.Latest())
	if !h.PushBlock(b1) {
		t.Fatal("failed to push b1")
	}
	if h.ReplaceChain([]Block{Genesis()}) {
		t.Fatal("shorter chain should be rejected")
	}
	if h.Len() != 2 || h.Latest() != b1 {
		t.Fatal("chain changed after a rejected replacement")
	}
}

// TestReplaceChainTie verifies that a fully valid chain of equal length is
// rejected.
func TestReplaceChainTie(t *testing.T) {
	h := NewHandler()
	h.PushBlock(GenerateBlockAt("local", h.Latest(), time.UnixMilli(1)))
	before := h.Chain()

	rival := []Block{Genesis()}
	rival = append(rival, GenerateBlockAt("rival", rival[0], time.UnixMilli(2)))
	if !ValidateChain(Genesis(), rival) {
		t.Fatal("rival chain should be valid")
	}
	if h.ReplaceChain(rival) {
		t.Fatal("equal length chain should be rejected")
	}
	if !reflect.DeepEqual(h.Chain(), before) {
		t.Fatal("chain changed after a tie")
	}
	if err := h.replaceChain(rival); !errors.Is(err, ErrNotLonger) {
		t.Fatalf("expected ErrNotLonger, got %v", err)
	}
}

// TestReplaceChainInvalidLonger verifies that length alone does not win: a
// longer but broken chain is rejected.
func TestReplaceChainInvalidLonger(t *testing.T) {
	h := NewHandler()
	chain := buildChain(5, "e")
	chain[3].Data = "forged"
	if h.ReplaceChain(chain) {
		t.Fatal("invalid chain should be rejected whatever its length")
	}
	if h.Len() != 1 {
		t.Fatalf("expected genesis only, got %d blocks", h.Len())
	}
}

// TestReplaceChainCopiesCandidate verifies that the handler does not alias
// the slice it was given.
func TestReplaceChainCopiesCandidate(t *testing.T) {
	h := NewHandler()
	chain := buildChain(2, "f")
	if !h.ReplaceChain(chain) {
		t.Fatal("valid chain should be accepted")
	}
	chain[2].Data = "changed by caller"
	if h.Latest().Data == "changed by caller" {
		t.Fatal("handler chain aliases the caller's slice")
	}
}

// TestPushBlockSuccessor is scenario C: a valid successor of the tip extends
// the chain by one.
func TestPushBlockSuccessor(t *testing.T) {
	h := NewHandler()
	b1 := GenerateBlock("b1", h.Latest())
	h.PushBlock(b1)
	b2 := GenerateBlock("y", b1)
	if !h.PushBlock(b2) {
		t.Fatal("valid successor should be accepted")
	}
	if h.Len() != 3 {
		t.Fatalf("expected 3 blocks, got %d", h.Len())
	}
	if h.Latest() != b2 {
		t.Fatal("latest should be the pushed block")
	}
}

// TestPushBlockRejectsNonSuccessor verifies that a block not extending the
// current tip leaves the chain byte-identical.
func TestPushBlockRejectsNonSuccessor(t *testing.T) {
	h := NewHandler()
	b1 := GenerateBlock("b1", h.Latest())
	h.PushBlock(b1)
	before := h.Chain()

	stale := GenerateBlock("stale", Genesis())
	if h.PushBlock(stale) {
		t.Fatal("block built on genesis should not extend b1")
	}
	skip := GenerateBlock("skip", GenerateBlock("missing", b1))
	if h.PushBlock(skip) {
		t.Fatal("block skipping an index should be rejected")
	}
	if !reflect.DeepEqual(h.Chain(), before) {
		t.Fatal("chain changed after rejected pushes")
	}
}

// TestProcessQueriesAreReadOnly verifies that queries produce the expected
// replies and never change the chain.
func TestProcessQueriesAreReadOnly(t *testing.T) {
	h := NewHandler()
	h.ReplaceChain(buildChain(3, "g"))
	before := h.Chain()

	reply, ok := h.Process(QueryLatest())
	if !ok || reply.Kind != KindResponseLatest || reply.Block != h.Latest() {
		t.Fatalf("unexpected reply to QueryLatest: %+v", reply)
	}
	reply, ok = h.Process(QueryAll())
	if !ok || reply.Kind != KindResponseAll || !reflect.DeepEqual(reply.Chain, before) {
		t.Fatalf("unexpected reply to QueryAll: %+v", reply)
	}
	reply.Chain[1].Data = "mutated reply"
	if !reflect.DeepEqual(h.Chain(), before) {
		t.Fatal("queries or their replies changed the chain")
	}
}

// TestProcessResponsesProduceNoReply verifies that responses are applied
// silently, whether they are accepted or not.
func TestProcessResponsesProduceNoReply(t *testing.T) {
	h := NewHandler()
	b1 := GenerateBlock("b1", h.Latest())

	if _, ok := h.Process(ResponseLatest(b1)); ok {
		t.Fatal("ResponseLatest should not produce a reply")
	}
	if out := h.LastOutcome(); !out.Accepted || out.Kind != KindResponseLatest {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, ok := h.Process(ResponseAll([]Block{Genesis()})); ok {
		t.Fatal("ResponseAll should not produce a reply")
	}
	if out := h.LastOutcome(); out.Accepted || !errors.Is(out.Err, ErrNotLonger) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.Latest() != b1 {
		t.Fatal("rejected ResponseAll changed the chain")
	}
}

// TestHandleRoundTrip drives two handlers through the wire format: one asks
// for the whole chain, the other answers, and the first adopts it.
func TestHandleRoundTrip(t *testing.T) {
	a := NewHandler()
	b := NewHandler()
	b.ReplaceChain(buildChain(4, "h"))

	query, err := Encode(QueryAll())
	if err != nil {
		t.Fatal(err)
	}
	reply, ok := b.Handle(query)
	if !ok {
		t.Fatal("QueryAll should produce a reply")
	}
	if _, ok := a.Handle(reply); ok {
		t.Fatal("ResponseAll should not produce a reply")
	}
	if !reflect.DeepEqual(a.Chain(), b.Chain()) {
		t.Fatal("chains should be equal after synchronization")
	}
}

// TestHandleMalformed is scenario E: malformed payloads are dropped without a
// reply and without touching the chain.
func TestHandleMalformed(t *testing.T) {
	h := NewHandler()
	h.PushBlock(GenerateBlock("b1", h.Latest()))
	before := h.Chain()

	for _, payload := range []string{
		"",
		"hello",
		`"QueryEverything"`,
		`{"ResponseLatest": {}}`,
		`{"ResponseAll": null}`,
		`{"QueryAll": null, "QueryLatest": null}`,
	} {
		if reply, ok := h.Handle([]byte(payload)); ok || reply != nil {
			t.Fatalf("payload %q should be dropped, got reply %q", payload, reply)
		}
		if out := h.LastOutcome(); !errors.Is(out.Err, ErrMalformed) {
			t.Fatalf("payload %q: expected ErrMalformed outcome, got %+v", payload, out)
		}
	}
	if !reflect.DeepEqual(h.Chain(), before) {
		t.Fatal("malformed payloads changed the chain")
	}
}

// TestLatestPanicsOnEmptyChain verifies that an empty chain is treated as an
// invariant violation.
func TestLatestPanicsOnEmptyChain(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()
	h := &Handler{}
	h.Latest()
}
