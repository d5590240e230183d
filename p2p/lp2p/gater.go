package lp2p

import (
	"log/slog"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"beaconnet/observability/logging"
)

// Admission answers the gater's questions about a peer.
type Admission interface {
	AllowInbound(id peer.ID) error
	IsBanned(id peer.ID) bool
}

// Gater refuses connections before protocol negotiation: dials to banned
// peers and inbound connections the peer manager would reject.
type Gater struct {
	admission atomic.Pointer[admissionRef]
	logger    *slog.Logger
}

type admissionRef struct{ Admission }

// NewGater returns a gater that allows everything until SetAdmission is
// called. The host must be built before the network, so the policy is
// installed late.
func NewGater() *Gater {
	return &Gater{logger: slog.Default().With(slog.String("component", "lp2p_gater"))}
}

// SetAdmission installs the admission policy.
func (g *Gater) SetAdmission(a Admission) {
	g.admission.Store(&admissionRef{a})
}

func (g *Gater) policy() Admission {
	ref := g.admission.Load()
	if ref == nil {
		return nil
	}
	return ref.Admission
}

func (g *Gater) InterceptPeerDial(id peer.ID) bool {
	a := g.policy()
	return a == nil || !a.IsBanned(id)
}

func (g *Gater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool { return true }

func (g *Gater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

func (g *Gater) InterceptSecured(dir network.Direction, id peer.ID, addrs network.ConnMultiaddrs) bool {
	a := g.policy()
	if a == nil {
		return true
	}
	if dir == network.DirOutbound {
		return !a.IsBanned(id)
	}
	if err := a.AllowInbound(id); err != nil {
		attrs := []any{slog.String("peer_id", id.String()), slog.Any("error", err)}
		if addrs != nil {
			attrs = append(attrs, logging.MaskAddress("peer_address", addrs.RemoteMultiaddr()))
		}
		g.logger.Debug("Inbound connection gated", attrs...)
		return false
	}
	return true
}

func (g *Gater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
