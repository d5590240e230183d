package rpc

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// RequestID identifies an outbound request. IDs are assigned monotonically
// and never reused within an engine.
type RequestID uint64

// InboundHandle addresses an inbound stream awaiting a response.
type InboundHandle struct {
	Peer     peer.ID
	Protocol Protocol
	stream   streamID
}

// Event is emitted by the engine. Concrete types are RequestReceived,
// ResponseReceived, RequestCompleted, RequestTimedOut and *StreamError.
type Event interface {
	eventPeer() peer.ID
}

// RequestReceived carries a decoded inbound request. The application answers
// through Respond, RespondError or EndResponse on the handle.
type RequestReceived struct {
	Handle  InboundHandle
	Payload []byte
}

// ResponseReceived carries one successful response frame of an outbound
// request. It is not terminal for streamed protocols.
type ResponseReceived struct {
	Peer     peer.ID
	Request  RequestID
	Protocol Protocol
	Index    int
	Payload  []byte
}

// RequestCompleted is the terminal event of an outbound request unless it
// timed out. Err is nil on success.
type RequestCompleted struct {
	Peer      peer.ID
	Request   RequestID
	Protocol  Protocol
	Responses int
	Elapsed   time.Duration
	Err       error
}

// RequestTimedOut is the terminal event of an outbound request whose
// deadline passed.
type RequestTimedOut struct {
	Peer      peer.ID
	Request   RequestID
	Protocol  Protocol
	Responses int
}

func (e RequestReceived) eventPeer() peer.ID  { return e.Handle.Peer }
func (e ResponseReceived) eventPeer() peer.ID { return e.Peer }
func (e RequestCompleted) eventPeer() peer.ID { return e.Peer }
func (e RequestTimedOut) eventPeer() peer.ID  { return e.Peer }
func (e *StreamError) eventPeer() peer.ID     { return e.Peer }

// EventPeer returns the peer an event concerns.
func EventPeer(ev Event) peer.ID { return ev.eventPeer() }
