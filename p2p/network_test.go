package p2p

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"beaconnet/p2p/peers"
	"beaconnet/p2p/rpc"
)

var errStreamReset = errors.New("stream reset")

// duplex is one end of an in-memory stream pair with half-close support.
type duplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newDuplexPair() (*duplex, *duplex) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &duplex{r: ar, w: aw}, &duplex{r: br, w: bw}
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplex) CloseWrite() error           { return d.w.Close() }
func (d *duplex) Close() error                { return d.w.Close() }
func (d *duplex) Reset() error {
	_ = d.w.CloseWithError(errStreamReset)
	_ = d.r.CloseWithError(errStreamReset)
	return nil
}

// hub connects fake transports of several networks.
type hub struct {
	mu    sync.Mutex
	nodes map[peer.ID]*Network
	links map[[2]peer.ID]bool
}

func newHub() *hub {
	return &hub{nodes: make(map[peer.ID]*Network), links: make(map[[2]peer.ID]bool)}
}

func linkKey(a, b peer.ID) [2]peer.ID {
	if a < b {
		return [2]peer.ID{a, b}
	}
	return [2]peer.ID{b, a}
}

func (h *hub) node(id peer.ID) *Network {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[id]
}

func (h *hub) connect(dialer, listener peer.ID) error {
	h.mu.Lock()
	a, b := h.nodes[dialer], h.nodes[listener]
	key := linkKey(dialer, listener)
	if a == nil || b == nil {
		h.mu.Unlock()
		return errors.New("unknown node")
	}
	if h.links[key] {
		h.mu.Unlock()
		return nil
	}
	h.links[key] = true
	h.mu.Unlock()
	addr := ma.StringCast("/ip4/127.0.0.1/tcp/9000")
	a.OnConnectionEstablished(listener, network.DirOutbound, addr)
	b.OnConnectionEstablished(dialer, network.DirInbound, addr)
	return nil
}

func (h *hub) disconnect(x, y peer.ID) {
	h.mu.Lock()
	key := linkKey(x, y)
	if !h.links[key] {
		h.mu.Unlock()
		return
	}
	delete(h.links, key)
	a, b := h.nodes[x], h.nodes[y]
	h.mu.Unlock()
	a.OnConnectionClosed(y)
	b.OnConnectionClosed(x)
}

type fakeTransport struct {
	self peer.ID
	hub  *hub

	mu     sync.Mutex
	dials  []peer.ID
	closed []peer.ID
}

func (t *fakeTransport) OpenStream(_ context.Context, id peer.ID, p rpc.Protocol) (rpc.Stream, error) {
	remote := t.hub.node(id)
	if remote == nil {
		return nil, errors.New("no route to peer")
	}
	local, far := newDuplexPair()
	remote.OnInboundStream(t.self, p.ID(), far)
	return local, nil
}

func (t *fakeTransport) Dial(_ context.Context, id peer.ID, _ []ma.Multiaddr) error {
	t.mu.Lock()
	t.dials = append(t.dials, id)
	t.mu.Unlock()
	return t.hub.connect(t.self, id)
}

func (t *fakeTransport) ClosePeer(id peer.ID) error {
	t.mu.Lock()
	t.closed = append(t.closed, id)
	t.mu.Unlock()
	t.hub.disconnect(t.self, id)
	return nil
}

func (t *fakeTransport) closedPeers() []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]peer.ID(nil), t.closed...)
}

type fakeDiscovery struct {
	mu      sync.Mutex
	queries []int
}

func (d *fakeDiscovery) FindPeers(_ context.Context, _ peers.Requirement, count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, count)
	return nil
}

func (d *fakeDiscovery) snapshot() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.queries...)
}

type fakeGossip struct {
	mu     sync.Mutex
	topics []string
	deltas map[peer.ID]float64
}

func (g *fakeGossip) Subscribe(topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.topics = append(g.topics, topic)
	return nil
}

func (g *fakeGossip) Unsubscribe(string) error { return nil }

func (g *fakeGossip) Publish(context.Context, string, []byte) error { return nil }

func (g *fakeGossip) ReportPeerScoreDelta(id peer.ID, delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deltas == nil {
		g.deltas = make(map[peer.ID]float64)
	}
	g.deltas[id] += delta
}

func (g *fakeGossip) delta(id peer.ID) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deltas[id]
}

type node struct {
	id        peer.ID
	net       *Network
	transport *fakeTransport
}

func startNode(t *testing.T, h *hub, cfg Config, opts ...Option) *node {
	t.Helper()
	id := test.RandPeerIDFatal(t)
	tr := &fakeTransport{self: id, hub: h}
	n, err := New(cfg, tr, opts...)
	require.NoError(t, err)
	h.mu.Lock()
	h.nodes[id] = n
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return &node{id: id, net: n, transport: tr}
}

func nextEvent[T any](t *testing.T, n *Network) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-n.Events():
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func connectNodes(t *testing.T, h *hub, dialer, listener *node) {
	t.Helper()
	require.NoError(t, h.connect(dialer.id, listener.id))
	require.Equal(t, listener.id, nextEvent[PeerConnected](t, dialer.net).Peer)
	require.Equal(t, dialer.id, nextEvent[PeerConnected](t, listener.net).Peer)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStatusRoundTripBetweenNetworks(t *testing.T) {
	h := newHub()
	a := startNode(t, h, Config{})
	b := startNode(t, h, Config{})
	connectNodes(t, h, a, b)
	ctx := testContext(t)

	rid, err := a.net.SendRequest(ctx, b.id, rpc.ProtocolStatus, []byte("status-a"))
	require.NoError(t, err)

	req := nextEvent[rpc.RequestReceived](t, b.net)
	require.Equal(t, a.id, req.Handle.Peer)
	require.Equal(t, rpc.ProtocolStatus, req.Handle.Protocol)
	require.Equal(t, []byte("status-a"), req.Payload)
	require.NoError(t, b.net.Respond(ctx, req.Handle, []byte("status-b")))

	resp := nextEvent[rpc.ResponseReceived](t, a.net)
	require.Equal(t, rid, resp.Request)
	require.Equal(t, []byte("status-b"), resp.Payload)
	done := nextEvent[rpc.RequestCompleted](t, a.net)
	require.Equal(t, rid, done.Request)
	require.NoError(t, done.Err)
	require.Equal(t, 1, done.Responses)
}

func TestMetadataExchangedOnConnect(t *testing.T) {
	h := newHub()
	subnet := peers.Subnet{Kind: peers.AttestationSubnet, Index: 3}
	a := startNode(t, h, Config{Metadata: Metadata{}.WithSubnet(subnet, true)})
	b := startNode(t, h, Config{})
	connectNodes(t, h, a, b)
	ctx := testContext(t)

	require.Eventually(t, func() bool {
		deficit, err := b.net.EnsurePeers(ctx, peers.SubnetRequirement(subnet, 1))
		return err == nil && deficit == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBanClosesStreamsInSameStep(t *testing.T) {
	h := newHub()
	a := startNode(t, h, Config{})
	b := startNode(t, h, Config{})
	connectNodes(t, h, a, b)
	ctx := testContext(t)

	rid, err := b.net.SendRequest(ctx, a.id, rpc.ProtocolBlocksByRange, []byte{1, 2, 3})
	require.NoError(t, err)
	req := nextEvent[rpc.RequestReceived](t, a.net)
	require.Equal(t, b.id, req.Handle.Peer)

	require.NoError(t, a.net.BanPeer(ctx, b.id, "manual"))
	health, err := a.net.Health(ctx)
	require.NoError(t, err)
	require.Zero(t, health.OpenStreams)
	require.Zero(t, health.PendingResponses)
	require.Equal(t, 1, health.Banned)
	require.ErrorIs(t, a.net.Respond(ctx, req.Handle, []byte("late")), rpc.ErrUnknownStream)

	done := nextEvent[rpc.RequestCompleted](t, b.net)
	require.Equal(t, rid, done.Request)
	require.Error(t, done.Err)
	require.Equal(t, b.id, nextEvent[PeerDisconnected](t, a.net).Peer)
	require.Contains(t, a.transport.closedPeers(), b.id)
	require.ErrorIs(t, a.net.AllowInbound(b.id), peers.ErrPeerBanned)
}

func TestInboundRejectedAtCapacity(t *testing.T) {
	h := newHub()
	a := startNode(t, h, Config{Peers: peers.Config{TargetInbound: 1, MaxInbound: 1}})
	c := startNode(t, h, Config{})
	d := startNode(t, h, Config{})
	connectNodes(t, h, c, a)

	require.ErrorIs(t, a.net.AllowInbound(d.id), peers.ErrTooManyPeers)
	require.NoError(t, h.connect(d.id, a.id))
	require.Eventually(t, func() bool {
		for _, id := range a.transport.closedPeers() {
			if id == d.id {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	health, err := a.net.Health(testContext(t))
	require.NoError(t, err)
	require.Equal(t, 1, health.Inbound)
	require.Equal(t, 1, health.Known)
}

func TestDisconnectSaysGoodbye(t *testing.T) {
	h := newHub()
	a := startNode(t, h, Config{})
	b := startNode(t, h, Config{})
	connectNodes(t, h, a, b)

	require.NoError(t, a.net.DisconnectPeer(testContext(t), b.id, peers.ReasonClientShutdown))
	require.Equal(t, b.id, nextEvent[PeerDisconnected](t, a.net).Peer)
	require.Equal(t, a.id, nextEvent[PeerDisconnected](t, b.net).Peer)
}

func TestHeartbeatDialsDiscoveredPeers(t *testing.T) {
	h := newHub()
	disc := &fakeDiscovery{}
	a := startNode(t, h, Config{
		Peers:             peers.Config{TargetOutbound: 1, MaxOutbound: 2},
		HeartbeatInterval: 50 * time.Millisecond,
	}, WithDiscovery(disc))
	c := startNode(t, h, Config{})

	require.Eventually(t, func() bool {
		q := disc.snapshot()
		return len(q) > 0 && q[0] == 1
	}, 5*time.Second, 10*time.Millisecond)

	a.net.OnPeerDiscovered(c.id, []ma.Multiaddr{ma.StringCast("/ip4/10.0.0.2/tcp/9000")}, peers.Requirement{})
	connected := nextEvent[PeerConnected](t, a.net)
	require.Equal(t, c.id, connected.Peer)
	require.Equal(t, network.DirOutbound, connected.Direction)
}

func TestGossipValidationFeedsScores(t *testing.T) {
	h := newHub()
	gossip := &fakeGossip{}
	a := startNode(t, h, Config{Topics: []string{"beacon_block"}}, WithGossip(gossip))
	b := startNode(t, h, Config{})
	connectNodes(t, h, b, a)
	ctx := testContext(t)

	a.net.OnGossipMessage(GossipMessage{Topic: "beacon_block", From: b.id, Data: []byte("blk")})
	msg := nextEvent[GossipMessage](t, a.net)
	require.Equal(t, b.id, msg.From)

	require.NoError(t, a.net.ReportGossipValidation(ctx, b.id, ValidationReject))
	require.Equal(t, -5.0, gossip.delta(b.id))

	require.Eventually(t, func() bool {
		health, err := a.net.Health(ctx)
		return err == nil && health.Healthy && len(health.Topics) == 1 && health.Topics[0] == "beacon_block"
	}, 5*time.Second, 10*time.Millisecond)
	gossip.mu.Lock()
	require.Equal(t, []string{"beacon_block"}, gossip.topics)
	gossip.mu.Unlock()
}

func TestInternalProtocolsRefused(t *testing.T) {
	n, err := New(Config{}, &fakeTransport{hub: newHub()})
	require.NoError(t, err)
	_, err = n.SendRequest(context.Background(), test.RandPeerIDFatal(t), rpc.ProtocolPing, nil)
	require.ErrorIs(t, err, ErrUnsupportedProtocol)
	_, err = n.Health(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, n.Publish(context.Background(), "t", nil), ErrNoGossip)
}
