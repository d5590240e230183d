package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"beaconnet/p2p/peers"
	"beaconnet/p2p/rpc"
)

// Transport owns the connection set. Methods may block and are only called
// off the event loop. Connection and stream arrivals are reported back
// through the Network's On* entry points.
type Transport interface {
	rpc.StreamOpener
	Dial(ctx context.Context, id peer.ID, addrs []ma.Multiaddr) error
	ClosePeer(id peer.ID) error
}

// Discovery finds candidate peers. Results are reported through
// Network.OnPeerDiscovered.
type Discovery interface {
	FindPeers(ctx context.Context, req peers.Requirement, count int) error
}

// Gossip is the publish/subscribe collaborator. Received messages are
// reported through Network.OnGossipMessage and score observations through
// Network.OnPeerScoreHint.
type Gossip interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	// ReportPeerScoreDelta feeds reputation changes into the gossip layer's
	// own peer scoring.
	ReportPeerScoreDelta(id peer.ID, delta float64)
}

// Event is delivered on Network.Events. Concrete types are the rpc events
// (rpc.RequestReceived, rpc.ResponseReceived, rpc.RequestCompleted,
// rpc.RequestTimedOut, *rpc.StreamError) plus PeerConnected,
// PeerDisconnected and GossipMessage.
type Event any

// PeerConnected reports an admitted connection.
type PeerConnected struct {
	Peer      peer.ID
	Direction network.Direction
}

// PeerDisconnected reports that the last connection to a peer closed.
type PeerDisconnected struct {
	Peer peer.ID
}

// GossipMessage is a message received on a subscribed topic.
type GossipMessage struct {
	Topic string
	From  peer.ID
	ID    string
	Data  []byte
}

// ValidationResult is the application's verdict on a gossip message.
type ValidationResult uint8

const (
	ValidationAccept ValidationResult = iota
	ValidationIgnore
	ValidationReject
)

type connEvent struct {
	peer      peer.ID
	direction network.Direction
	addr      ma.Multiaddr
	closed    bool
}

type inboundStream struct {
	peer     peer.ID
	protocol protocol.ID
	stream   rpc.Stream
}

type discoveredPeer struct {
	peer  peer.ID
	addrs []ma.Multiaddr
	via   peers.Requirement
}

type scoreHint struct {
	peer  peer.ID
	score float64
}

type dialFailure struct {
	peer peer.ID
	err  error
}
