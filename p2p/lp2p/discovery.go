package lp2p

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"beaconnet/p2p/peers"
)

const defaultNamespace = "beaconnet"

// DiscoverySink receives discovery hits.
type DiscoverySink interface {
	OnPeerDiscovered(id peer.ID, addrs []ma.Multiaddr, via peers.Requirement)
}

// Discovery runs peer requirements as rendezvous lookups. Untargeted
// requirements query the base namespace, subnet requirements query one
// namespace per subnet.
type Discovery struct {
	disc      discovery.Discovery
	namespace string
	self      peer.ID
	logger    *slog.Logger

	mu   sync.Mutex
	sink DiscoverySink
}

// NewDiscovery wraps d, typically a routing discovery over the DHT. Hits
// are reported once Attach has been called.
func NewDiscovery(d discovery.Discovery, namespace string, self peer.ID) *Discovery {
	namespace = strings.Trim(strings.TrimSpace(namespace), "/")
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Discovery{
		disc:      d,
		namespace: namespace,
		self:      self,
		logger:    slog.Default().With(slog.String("component", "lp2p_discovery")),
	}
}

// Attach sets the receiver of discovery hits.
func (d *Discovery) Attach(sink DiscoverySink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Namespace names the rendezvous point for req.
func (d *Discovery) Namespace(req peers.Requirement) string {
	if req.Subnet == nil {
		return d.namespace
	}
	return d.namespace + "/" + req.Subnet.String()
}

// FindPeers queries up to count peers for req and reports each usable hit.
func (d *Discovery) FindPeers(ctx context.Context, req peers.Requirement, count int) error {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return errNotAttached
	}
	ns := d.Namespace(req)
	ch, err := d.disc.FindPeers(ctx, ns, discovery.Limit(count))
	if err != nil {
		return fmt.Errorf("lp2p: find peers in %s: %w", ns, err)
	}
	found := 0
	for info := range ch {
		if info.ID == "" || info.ID == d.self || len(info.Addrs) == 0 {
			continue
		}
		sink.OnPeerDiscovered(info.ID, info.Addrs, req)
		found++
	}
	d.logger.Debug("Discovery query finished",
		slog.String("namespace", ns),
		slog.Int("found", found))
	return nil
}

// Advertise announces the node under the base namespace and every subnet
// namespace returned by subnets, re-announcing until ctx ends.
func (d *Discovery) Advertise(ctx context.Context, interval time.Duration, subnets func(context.Context) []peers.Subnet) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		namespaces := []string{d.namespace}
		if subnets != nil {
			for _, s := range subnets(ctx) {
				namespaces = append(namespaces, d.Namespace(peers.SubnetRequirement(s, 1)))
			}
		}
		for _, ns := range namespaces {
			if _, err := d.disc.Advertise(ctx, ns); err != nil && ctx.Err() == nil {
				d.logger.Debug("Advertise failed", slog.String("namespace", ns), slog.Any("error", err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
