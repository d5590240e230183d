// Package lp2p binds the network coordinator's collaborators to libp2p: the
// host provides transport, pubsub provides gossip and a routing discoverer
// provides peer discovery.
package lp2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"beaconnet/p2p/rpc"
)

// ConnectionSink receives connection and stream arrivals.
type ConnectionSink interface {
	OnConnectionEstablished(id peer.ID, dir network.Direction, addr ma.Multiaddr)
	OnConnectionClosed(id peer.ID)
	OnInboundStream(id peer.ID, p protocol.ID, s rpc.Stream)
}

// Transport adapts a libp2p host. A peer counts as connected from its first
// connection until its last one closes.
type Transport struct {
	host   host.Host
	logger *slog.Logger

	mu    sync.Mutex
	conns map[peer.ID]int
	sink  ConnectionSink
}

// NewTransport wraps h. Events are dropped until Attach is called.
func NewTransport(h host.Host) *Transport {
	return &Transport{
		host:   h,
		logger: slog.Default().With(slog.String("component", "lp2p_transport")),
		conns:  make(map[peer.ID]int),
	}
}

// Attach registers the connection notifiee and a stream handler for every
// RPC protocol, forwarding both into sink.
func (t *Transport) Attach(sink ConnectionSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()

	t.host.Network().Notify(&network.NotifyBundle{
		ConnectedF:    t.connected,
		DisconnectedF: t.disconnected,
	})
	for _, p := range rpc.AllProtocols() {
		t.host.SetStreamHandler(p.ID(), t.handleStream)
	}
}

// Detach removes the stream handlers.
func (t *Transport) Detach() {
	for _, p := range rpc.AllProtocols() {
		t.host.RemoveStreamHandler(p.ID())
	}
}

// OpenStream opens an outbound stream speaking p.
func (t *Transport) OpenStream(ctx context.Context, id peer.ID, p rpc.Protocol) (rpc.Stream, error) {
	s, err := t.host.NewStream(ctx, id, p.ID())
	if err != nil {
		return nil, fmt.Errorf("lp2p: open %s stream: %w", p, err)
	}
	return s, nil
}

// Dial connects to id using addrs in addition to anything the peerstore knows.
func (t *Transport) Dial(ctx context.Context, id peer.ID, addrs []ma.Multiaddr) error {
	if err := t.host.Connect(ctx, peer.AddrInfo{ID: id, Addrs: addrs}); err != nil {
		return fmt.Errorf("lp2p: dial: %w", err)
	}
	return nil
}

// ClosePeer closes every connection to id.
func (t *Transport) ClosePeer(id peer.ID) error {
	return t.host.Network().ClosePeer(id)
}

func (t *Transport) connected(_ network.Network, c network.Conn) {
	id := c.RemotePeer()
	t.mu.Lock()
	t.conns[id]++
	first := t.conns[id] == 1
	sink := t.sink
	t.mu.Unlock()
	if !first || sink == nil {
		return
	}
	sink.OnConnectionEstablished(id, c.Stat().Direction, c.RemoteMultiaddr())
}

func (t *Transport) disconnected(_ network.Network, c network.Conn) {
	id := c.RemotePeer()
	t.mu.Lock()
	t.conns[id]--
	last := t.conns[id] <= 0
	if last {
		delete(t.conns, id)
	}
	sink := t.sink
	t.mu.Unlock()
	if !last || sink == nil {
		return
	}
	sink.OnConnectionClosed(id)
}

func (t *Transport) handleStream(s network.Stream) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		_ = s.Reset()
		return
	}
	id := s.Conn().RemotePeer()
	t.logger.Debug("Inbound stream",
		slog.String("peer_id", id.String()),
		slog.String("protocol", string(s.Protocol())))
	sink.OnInboundStream(id, s.Protocol(), s)
}
