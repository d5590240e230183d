package peers

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// State is the connection state of a peer.
type State uint8

const (
	StateDisconnected State = iota
	StateDialing
	StateConnected
	StateDisconnecting
	StateBanned
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateDialing:       "dialing",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateBanned:        "banned",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// AllStates lists every connection state.
func AllStates() []State {
	return []State{StateDisconnected, StateDialing, StateConnected, StateDisconnecting, StateBanned}
}

// SubnetKind distinguishes the gossip subnet families a peer advertises.
type SubnetKind uint8

const (
	AttestationSubnet SubnetKind = iota
	SyncCommitteeSubnet
)

const (
	// AttestationSubnetCount is the width of the attnets bitvector.
	AttestationSubnetCount = 64
	// SyncCommitteeSubnetCount is the width of the syncnets bitvector.
	SyncCommitteeSubnetCount = 4
)

// Subnet is one gossip subnet a peer participates in.
type Subnet struct {
	Kind  SubnetKind
	Index uint8
}

func (s Subnet) String() string {
	if s.Kind == SyncCommitteeSubnet {
		return fmt.Sprintf("syncnet/%d", s.Index)
	}
	return fmt.Sprintf("attnet/%d", s.Index)
}

// ScoreEvent is one entry of a peer's reputation log.
type ScoreEvent struct {
	At     time.Time
	Delta  float64
	Score  float64
	Reason string
}

// Record is everything the node knows about one peer. Values handed out by
// the Store are deep copies.
type Record struct {
	ID        peer.ID
	State     State
	Direction network.Direction

	Score       float64
	GossipScore float64
	Events      []ScoreEvent

	Protocols   mapset.Set[protocol.ID]
	Subnets     mapset.Set[Subnet]
	MetadataSeq uint64
	Addrs       []ma.Multiaddr

	FirstSeen    time.Time
	LastSeen     time.Time
	ConnectedAt  time.Time
	BannedUntil  time.Time
	BanReason    string
	DialFailures int
}

func newRecord(id peer.ID, now time.Time) *Record {
	return &Record{
		ID:        id,
		Protocols: mapset.NewThreadUnsafeSet[protocol.ID](),
		Subnets:   mapset.NewThreadUnsafeSet[Subnet](),
		FirstSeen: now,
		LastSeen:  now,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	out := *r
	if r.Protocols != nil {
		out.Protocols = r.Protocols.Clone()
	} else {
		out.Protocols = mapset.NewThreadUnsafeSet[protocol.ID]()
	}
	if r.Subnets != nil {
		out.Subnets = r.Subnets.Clone()
	} else {
		out.Subnets = mapset.NewThreadUnsafeSet[Subnet]()
	}
	out.Events = append([]ScoreEvent(nil), r.Events...)
	out.Addrs = append([]ma.Multiaddr(nil), r.Addrs...)
	return &out
}

// Connected reports whether the peer holds a connection slot.
func (r *Record) Connected() bool {
	return r.State == StateConnected || r.State == StateDisconnecting
}

// Banned reports whether the peer is banned.
func (r *Record) Banned() bool { return r.State == StateBanned }

// AddAddrs merges addresses, skipping duplicates.
func (r *Record) AddAddrs(addrs ...ma.Multiaddr) {
next:
	for _, a := range addrs {
		if a == nil {
			continue
		}
		for _, have := range r.Addrs {
			if have.Equal(a) {
				continue next
			}
		}
		r.Addrs = append(r.Addrs, a)
	}
}

// Requirement asks for a minimum number of connected peers that satisfy a
// constraint. Zero-valued constraints match every peer.
type Requirement struct {
	Subnet   *Subnet
	Protocol protocol.ID
	Min      int
}

// SubnetRequirement builds a requirement for peers on a subnet.
func SubnetRequirement(s Subnet, count int) Requirement {
	return Requirement{Subnet: &s, Min: count}
}

// Matches reports whether r satisfies the requirement's constraints.
func (q Requirement) Matches(r *Record) bool {
	if q.Subnet != nil && (r.Subnets == nil || !r.Subnets.Contains(*q.Subnet)) {
		return false
	}
	if q.Protocol != "" && (r.Protocols == nil || !r.Protocols.Contains(q.Protocol)) {
		return false
	}
	return true
}

// Targeted reports whether the requirement narrows the candidate set.
func (q Requirement) Targeted() bool {
	return q.Subnet != nil || q.Protocol != ""
}

func (q Requirement) String() string {
	switch {
	case q.Subnet != nil && q.Protocol != "":
		return q.Subnet.String() + "+" + string(q.Protocol)
	case q.Subnet != nil:
		return q.Subnet.String()
	case q.Protocol != "":
		return string(q.Protocol)
	}
	return "any"
}
