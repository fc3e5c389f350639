package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/p2p-ledger/ledger"
	"github.com/luca-patrignani/p2p-ledger/network"
)

type fakeTransport struct {
	payloads chan network.Payload
	joined   chan string
	sent     chan []byte

	mu    sync.Mutex
	err   error
	peers []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		payloads: make(chan network.Payload),
		joined:   make(chan string),
		sent:     make(chan []byte, 16),
	}
}

func (f *fakeTransport) Publish(_ context.Context, payload []byte) error {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	f.sent <- payload
	return err
}

func (f *fakeTransport) Payloads() <-chan network.Payload { return f.payloads }
func (f *fakeTransport) Joined() <-chan string            { return f.joined }
func (f *fakeTransport) Close() error                     { return nil }

func (f *fakeTransport) Peers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers
}

func (f *fakeTransport) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(t *testing.T, payload string) {
	t.Helper()
	select {
	case f.payloads <- network.Payload{From: "peer", Data: []byte(payload)}:
	case <-time.After(5 * time.Second):
		t.Fatal("node is not reading payloads")
	}
}

func (f *fakeTransport) published(t *testing.T) ledger.Message {
	t.Helper()
	select {
	case payload := <-f.sent:
		msg, err := ledger.Decode(payload)
		require.NoError(t, err)
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("nothing published")
		return ledger.Message{}
	}
}

func (f *fakeTransport) nothingPublished(t *testing.T) {
	t.Helper()
	select {
	case payload := <-f.sent:
		t.Fatalf("unexpected publish: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

var testTime = time.UnixMilli(1_700_000_000_000)

type running struct {
	node  *Node
	lines chan string
	done  chan error
}

func start(t *testing.T, tr *fakeTransport, opts ...Option) *running {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testTime })}, opts...)
	r := &running{node: New(tr, opts...), lines: make(chan string), done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { r.done <- r.node.Run(ctx, r.lines) }()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func (r *running) enter(t *testing.T, line string) {
	t.Helper()
	select {
	case r.lines <- line:
	case <-time.After(5 * time.Second):
		t.Fatal("node is not reading lines")
	}
}

func (r *running) chain(t *testing.T) []ledger.Block {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chain, err := r.node.Snapshot(ctx)
	require.NoError(t, err)
	return chain
}

func subscribe[T any](t *testing.T, n *Node, topic string) <-chan T {
	t.Helper()
	ch := make(chan T, 16)
	require.NoError(t, n.Bus().Subscribe(topic, func(v T) { ch <- v }))
	return ch
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		var zero T
		return zero
	}
}

func longerChain(n int) []ledger.Block {
	chain := []ledger.Block{ledger.Genesis()}
	for i := 1; i < n; i++ {
		chain = append(chain, ledger.GenerateBlockAt("remote", chain[i-1], testTime))
	}
	return chain
}

func TestLocalLineAppendsAndAnnounces(t *testing.T) {
	tr := newFakeTransport()
	r := start(t, tr)
	tips := subscribe[ledger.Block](t, r.node, TopicTip)

	r.enter(t, "  hello  ")
	msg := tr.published(t)
	require.Equal(t, ledger.KindResponseLatest, msg.Kind)
	assert.Equal(t, "hello", msg.Block.Data)
	assert.Equal(t, uint32(1), msg.Block.Index)
	assert.Equal(t, ledger.TimestampFromTime(testTime), msg.Block.Timestamp)
	assert.True(t, msg.Block.Validate(ledger.Genesis()))

	assert.Equal(t, msg.Block, next(t, tips))
	assert.Equal(t, []ledger.Block{ledger.Genesis(), msg.Block}, r.chain(t))
}

func TestBlankLinesAreIgnored(t *testing.T) {
	tr := newFakeTransport()
	r := start(t, tr)
	r.enter(t, "   ")
	tr.nothingPublished(t)
	assert.Len(t, r.chain(t), 1)
}

func TestInvalidUTF8LineIsRejected(t *testing.T) {
	tr := newFakeTransport()
	r := start(t, tr)
	notices := subscribe[string](t, r.node, TopicNotice)

	r.enter(t, "caf\xe9")
	assert.Contains(t, next(t, notices), "not valid UTF-8")
	tr.nothingPublished(t)
	assert.Equal(t, []ledger.Block{ledger.Genesis()}, r.chain(t))

	r.enter(t, "café")
	msg := tr.published(t)
	assert.Equal(t, "café", msg.Block.Data)
	decoded, err := ledger.Decode(mustEncode(t, msg))
	require.NoError(t, err)
	assert.True(t, decoded.Block.Validate(ledger.Genesis()))
}

func mustEncode(t *testing.T, msg ledger.Message) []byte {
	t.Helper()
	payload, err := ledger.Encode(msg)
	require.NoError(t, err)
	return payload
}

func TestQueriesAreAnswered(t *testing.T) {
	tr := newFakeTransport()
	start(t, tr)

	tr.deliver(t, `"QueryAll"`)
	msg := tr.published(t)
	require.Equal(t, ledger.KindResponseAll, msg.Kind)
	assert.Equal(t, []ledger.Block{ledger.Genesis()}, msg.Chain)

	tr.deliver(t, `"QueryLatest"`)
	msg = tr.published(t)
	require.Equal(t, ledger.KindResponseLatest, msg.Kind)
	assert.Equal(t, ledger.Genesis(), msg.Block)
}

func TestLongerChainReplacesLocal(t *testing.T) {
	tr := newFakeTransport()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	r := start(t, tr, WithMetrics(metrics))
	tips := subscribe[ledger.Block](t, r.node, TopicTip)

	remote := longerChain(3)
	payload, err := ledger.Encode(ledger.ResponseAll(remote))
	require.NoError(t, err)
	tr.deliver(t, string(payload))

	assert.Equal(t, remote[2], next(t, tips))
	assert.Equal(t, remote, r.chain(t))
	tr.nothingPublished(t)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Height))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Received.WithLabelValues("ResponseAll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Updates.WithLabelValues("ResponseAll", "accepted")))

	// Same length again is rejected.
	tr.deliver(t, string(payload))
	assert.Equal(t, remote, r.chain(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Updates.WithLabelValues("ResponseAll", "rejected")))
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	tr := newFakeTransport()
	metrics := NewMetrics(prometheus.NewRegistry())
	r := start(t, tr, WithMetrics(metrics))

	tr.deliver(t, `{"QueryAll":1}`)
	tr.deliver(t, `not json`)
	tr.nothingPublished(t)
	assert.Len(t, r.chain(t), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DecodeFailures))
}

func TestPeerJoinTriggersSync(t *testing.T) {
	tr := newFakeTransport()
	start(t, tr)
	tr.joined <- "127.0.0.1:9000"
	assert.Equal(t, ledger.KindQueryAll, tr.published(t).Kind)
}

func TestSyncOnJoinDisabled(t *testing.T) {
	tr := newFakeTransport()
	r := start(t, tr, WithSyncOnJoin(false))
	tr.joined <- "127.0.0.1:9000"
	r.chain(t)
	tr.nothingPublished(t)
}

func TestCommands(t *testing.T) {
	tr := newFakeTransport()
	tr.peers = []string{"a", "b"}
	r := start(t, tr)
	notices := subscribe[string](t, r.node, TopicNotice)
	peers := subscribe[[]string](t, r.node, TopicPeers)
	latest := subscribe[ledger.Block](t, r.node, TopicLatest)
	chains := subscribe[[]ledger.Block](t, r.node, TopicChain)

	r.enter(t, "/peers")
	assert.Equal(t, []string{"a", "b"}, next(t, peers))

	r.enter(t, "/latest")
	assert.Equal(t, ledger.Genesis(), next(t, latest))

	r.enter(t, "/chain")
	assert.Equal(t, []ledger.Block{ledger.Genesis()}, next(t, chains))

	r.enter(t, "/help")
	assert.Contains(t, next(t, notices), "/sync")

	r.enter(t, "/bogus")
	assert.Contains(t, next(t, notices), "unknown command /bogus")

	r.enter(t, "/sync")
	assert.Equal(t, ledger.KindQueryAll, tr.published(t).Kind)
	next(t, notices)

	r.enter(t, "/query-latest")
	assert.Equal(t, ledger.KindQueryLatest, tr.published(t).Kind)
	next(t, notices)
}

func TestSendRaw(t *testing.T) {
	tr := newFakeTransport()
	r := start(t, tr)
	notices := subscribe[string](t, r.node, TopicNotice)

	r.enter(t, `/send {"QueryAll":null}`)
	select {
	case payload := <-tr.sent:
		assert.Equal(t, `{"QueryAll":null}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("nothing published")
	}
	assert.Equal(t, "sent QueryAll", next(t, notices))

	r.enter(t, `/send {"Nope":1}`)
	assert.Contains(t, next(t, notices), "not sent")
	tr.nothingPublished(t)
}

func TestPublishErrorsAreCounted(t *testing.T) {
	tr := newFakeTransport()
	metrics := NewMetrics(prometheus.NewRegistry())
	r := start(t, tr, WithMetrics(metrics))

	tr.failWith(network.ErrNoPeers)
	r.enter(t, "first")
	tr.published(t)

	tr.failWith(errors.New("connection refused"))
	r.enter(t, "second")
	tr.published(t)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.PublishErrors) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunStops(t *testing.T) {
	t.Run("lines closed", func(t *testing.T) {
		n := New(newFakeTransport())
		lines := make(chan string)
		close(lines)
		require.NoError(t, n.Run(context.Background(), lines))
	})
	t.Run("transport closed", func(t *testing.T) {
		tr := newFakeTransport()
		close(tr.payloads)
		require.ErrorIs(t, New(tr).Run(context.Background(), nil), ErrTransportClosed)
	})
	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, New(newFakeTransport()).Run(ctx, nil), context.Canceled)
	})
}

func TestSnapshotWithoutLoop(t *testing.T) {
	n := New(newFakeTransport())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n.Snapshot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
