package lp2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"

	"beaconnet/p2p/peers"
)

// NodeConfig describes the libp2p stack behind a network.
type NodeConfig struct {
	// Identity is generated when nil.
	Identity    *Identity
	ListenAddrs []string
	// Namespace prefixes DHT protocols and rendezvous points.
	Namespace string
	// DHTServer forces server mode; otherwise the DHT picks a mode from
	// reachability.
	DHTServer bool
	Gossip    GossipConfig
}

// Sink is everything the adapters report into. *p2p.Network satisfies it.
type Sink interface {
	ConnectionSink
	GossipSink
	DiscoverySink
	Admission
}

// Node is a libp2p host with pubsub and a DHT, exposed through the
// network's collaborator interfaces.
type Node struct {
	Host      host.Host
	Transport *Transport
	Gater     *Gater
	Gossip    *Gossip
	PubSub    *pubsub.PubSub
	DHT       *dht.IpfsDHT
	Discovery *Discovery

	logger *slog.Logger
	sink   Sink
}

// NewNode builds the stack. The adapters stay detached until Bind.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	if len(cfg.ListenAddrs) == 0 {
		return nil, errors.New("lp2p: at least one listen address required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	gater := NewGater()
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.ConnectionGater(gater),
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity.Key))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("lp2p: host: %w", err)
	}

	mode := dht.ModeAuto
	if cfg.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(ctx, h,
		dht.Mode(mode),
		dht.ProtocolPrefix(protocol.ID("/"+cfg.Namespace)),
	)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("lp2p: dht: %w", err)
	}

	gossip := NewGossip(cfg.Gossip)
	ps, err := pubsub.NewGossipSub(ctx, h, gossip.Options()...)
	if err != nil {
		_ = kad.Close()
		_ = h.Close()
		return nil, fmt.Errorf("lp2p: gossipsub: %w", err)
	}

	return &Node{
		Host:      h,
		Transport: NewTransport(h),
		Gater:     gater,
		Gossip:    gossip,
		PubSub:    ps,
		DHT:       kad,
		Discovery: NewDiscovery(drouting.NewRoutingDiscovery(kad), cfg.Namespace, h.ID()),
		logger:    slog.Default().With(slog.String("component", "lp2p_node")),
	}, nil
}

// Bind attaches every adapter to sink. Call it after the network is built
// and before it runs.
func (n *Node) Bind(ctx context.Context, sink Sink) {
	n.Gater.SetAdmission(sink)
	n.Gossip.Attach(ctx, n.PubSub, n.Host.ID(), sink)
	n.Discovery.Attach(sink)
	n.Transport.Attach(sink)
	n.sink = sink
}

// Bootstrap hands seeds to the peer manager as discovery hits, so they are
// dialled under its outbound policy, and starts the DHT refresh loop.
func (n *Node) Bootstrap(ctx context.Context, seeds []peer.AddrInfo) error {
	if n.sink == nil {
		return errNotAttached
	}
	for _, info := range seeds {
		if info.ID == n.Host.ID() || len(info.Addrs) == 0 {
			continue
		}
		n.sink.OnPeerDiscovered(info.ID, info.Addrs, peers.Requirement{})
	}
	n.logger.Info("Bootstrapping DHT", slog.Int("seeds", len(seeds)))
	return n.DHT.Bootstrap(ctx)
}

// Close tears the stack down in reverse order of construction.
func (n *Node) Close() error {
	n.Transport.Detach()
	n.Gossip.Close()
	return errors.Join(n.DHT.Close(), n.Host.Close())
}
