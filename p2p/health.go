package p2p

import (
	"context"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"beaconnet/p2p/peers"
)

// Health is a point-in-time view of the network layer.
type Health struct {
	Connected     int
	Inbound       int
	Outbound      int
	Dialing       int
	Disconnecting int
	Banned        int
	Known         int

	OpenStreams      int
	PendingRequests  int
	PendingResponses int
	RateLimitBuckets int

	Topics        []string
	MetadataSeq   uint64
	LastHeartbeat time.Time
	// Healthy is false when the node has no connected peers or heartbeats
	// have stalled for two intervals.
	Healthy bool
}

// Health returns a snapshot of peer counts and engine bookkeeping.
func (n *Network) Health(ctx context.Context) (Health, error) {
	var h Health
	err := n.do(ctx, func() error {
		h = n.health()
		return nil
	})
	return h, err
}

func (n *Network) health() Health {
	counts := n.manager.Counts()
	stats := n.engine.Stats()
	h := Health{
		Inbound:          n.manager.Store().ConnectedCount(network.DirInbound),
		Outbound:         n.manager.Store().ConnectedCount(network.DirOutbound),
		Dialing:          counts.State(peers.StateDialing),
		Disconnecting:    counts.State(peers.StateDisconnecting),
		Banned:           counts.State(peers.StateBanned),
		Known:            n.manager.Store().Len(),
		OpenStreams:      stats.InboundStreams + stats.OutboundStreams,
		PendingRequests:  stats.PendingRequests,
		PendingResponses: stats.PendingResponses,
		RateLimitBuckets: n.limiter.Len(),
		MetadataSeq:      n.metadata.Seq,
		LastHeartbeat:    n.manager.LastHeartbeat(),
	}
	h.Connected = h.Inbound + h.Outbound
	for topic := range n.topics {
		h.Topics = append(h.Topics, topic)
	}
	sort.Strings(h.Topics)
	stalled := n.now().Sub(h.LastHeartbeat) > 2*n.cfg.HeartbeatInterval
	h.Healthy = h.Connected > 0 && !stalled
	return h
}
