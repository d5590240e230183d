package rpc

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"

	"beaconnet/p2p/ratelimit"
)

const protocolPrefix = "/eth2/beacon_chain/req"

// Protocol is the closed set of request/response protocols spoken by the
// engine. The identifier is resolved once when a stream opens; decode paths
// never dispatch on strings.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ProtocolStatus
	ProtocolGoodbye
	ProtocolPing
	ProtocolMetaData
	ProtocolBlocksByRange
	ProtocolBlocksByRoot
	ProtocolBlobsByRange
)

// ResponseKind describes how many response frames a protocol produces.
type ResponseKind uint8

const (
	// NoResponse protocols complete once the request has been written.
	NoResponse ResponseKind = iota
	// SingleResponse protocols complete on the first response frame.
	SingleResponse
	// StreamedResponse protocols produce zero or more frames terminated by
	// an end-of-stream frame.
	StreamedResponse
)

type protocolSpec struct {
	name       string
	version    string
	class      ratelimit.Class
	response   ResponseKind
	hasBody    bool
	exclusive  bool
	timeout    time.Duration
	maxRequest int
}

var protocolTable = [...]protocolSpec{
	ProtocolUnknown: {name: "unknown"},
	ProtocolStatus: {
		name: "status", version: "1", class: "status", response: SingleResponse,
		hasBody: true, exclusive: true, timeout: 10 * time.Second, maxRequest: 128,
	},
	ProtocolGoodbye: {
		name: "goodbye", version: "1", class: "goodbye", response: NoResponse,
		hasBody: true, exclusive: true, timeout: 2 * time.Second, maxRequest: 8,
	},
	ProtocolPing: {
		name: "ping", version: "1", class: "ping", response: SingleResponse,
		hasBody: true, exclusive: true, timeout: 10 * time.Second, maxRequest: 8,
	},
	ProtocolMetaData: {
		name: "metadata", version: "2", class: "metadata", response: SingleResponse,
		hasBody: false, exclusive: true, timeout: 10 * time.Second, maxRequest: 0,
	},
	ProtocolBlocksByRange: {
		name: "beacon_blocks_by_range", version: "2", class: "blocks_by_range", response: StreamedResponse,
		hasBody: true, timeout: 30 * time.Second, maxRequest: 24,
	},
	ProtocolBlocksByRoot: {
		name: "beacon_blocks_by_root", version: "2", class: "blocks_by_root", response: StreamedResponse,
		hasBody: true, timeout: 30 * time.Second, maxRequest: 128 * 32,
	},
	ProtocolBlobsByRange: {
		name: "blob_sidecars_by_range", version: "1", class: "blobs_by_range", response: StreamedResponse,
		hasBody: true, timeout: 30 * time.Second, maxRequest: 16,
	},
}

var protocolByID = func() map[protocol.ID]Protocol {
	out := make(map[protocol.ID]Protocol, len(protocolTable))
	for _, p := range AllProtocols() {
		out[p.ID()] = p
	}
	return out
}()

// AllProtocols lists every known protocol.
func AllProtocols() []Protocol {
	out := make([]Protocol, 0, len(protocolTable)-1)
	for p := ProtocolStatus; int(p) < len(protocolTable); p++ {
		out = append(out, p)
	}
	return out
}

// ParseProtocol resolves a negotiated libp2p protocol identifier.
func ParseProtocol(id protocol.ID) (Protocol, bool) {
	p, ok := protocolByID[id]
	return p, ok
}

func (p Protocol) spec() protocolSpec {
	if int(p) >= len(protocolTable) {
		return protocolTable[ProtocolUnknown]
	}
	return protocolTable[p]
}

// Valid reports whether p is a member of the enumeration.
func (p Protocol) Valid() bool {
	return p != ProtocolUnknown && int(p) < len(protocolTable)
}

// ID returns the libp2p protocol identifier.
func (p Protocol) ID() protocol.ID {
	s := p.spec()
	return protocol.ID(fmt.Sprintf("%s/%s/%s/ssz_snappy", protocolPrefix, s.name, s.version))
}

func (p Protocol) String() string { return p.spec().name }

// Class is the rate-limit class governing inbound requests.
func (p Protocol) Class() ratelimit.Class { return p.spec().class }

// Responses reports how the protocol answers a request.
func (p Protocol) Responses() ResponseKind { return p.spec().response }

// HasRequestBody reports whether requests carry a payload frame.
func (p Protocol) HasRequestBody() bool { return p.spec().hasBody }

// Exclusive protocols allow at most one pending outbound request per peer.
func (p Protocol) Exclusive() bool { return p.spec().exclusive }

// DefaultTimeout is the response deadline used when no override is configured.
func (p Protocol) DefaultTimeout() time.Duration { return p.spec().timeout }

// MaxRequestLen bounds the uncompressed length of a request payload.
func (p Protocol) MaxRequestLen() int { return p.spec().maxRequest }

var defaultQuotas = map[ratelimit.Class]ratelimit.Quota{
	"status":          {Capacity: 5, Period: 15 * time.Second},
	"goodbye":         {Capacity: 1, Period: 10 * time.Second},
	"ping":            {Capacity: 2, Period: 10 * time.Second},
	"metadata":        {Capacity: 2, Period: 5 * time.Second},
	"blocks_by_range": {Capacity: 16, Period: 10 * time.Second},
	"blocks_by_root":  {Capacity: 16, Period: 10 * time.Second},
	"blobs_by_range":  {Capacity: 16, Period: 10 * time.Second},
}

// DefaultQuotas returns the inbound request budgets per protocol class.
func DefaultQuotas() map[ratelimit.Class]ratelimit.Quota {
	out := make(map[ratelimit.Class]ratelimit.Quota, len(defaultQuotas))
	for class, q := range defaultQuotas {
		out[class] = q
	}
	return out
}
