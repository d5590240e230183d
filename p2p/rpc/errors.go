package rpc

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrInvalidFraming marks a malformed or oversized frame.
	ErrInvalidFraming = errors.New("rpc: invalid framing")
	// ErrRateLimited marks a request refused by admission control.
	ErrRateLimited = errors.New("rpc: rate limited")
	// ErrTimeout marks an expired deadline.
	ErrTimeout = errors.New("rpc: timeout")
	// ErrIncompleteResponse marks a stream closed before its terminal frame.
	ErrIncompleteResponse = errors.New("rpc: incomplete response")
	// ErrTransport marks a failure of the underlying connection.
	ErrTransport = errors.New("rpc: transport error")
	// ErrPeerBanned is returned synchronously for operations targeting a banned peer.
	ErrPeerBanned = errors.New("rpc: peer is banned")
	// ErrRemote marks a non-success status returned by the remote peer.
	ErrRemote = errors.New("rpc: remote error")
	// ErrCancelled marks a request cancelled by the caller.
	ErrCancelled = errors.New("rpc: request cancelled")

	ErrUnknownProtocol = errors.New("rpc: unknown protocol")
	ErrUnknownRequest  = errors.New("rpc: unknown request")
	ErrUnknownStream   = errors.New("rpc: unknown inbound stream")
	ErrEngineClosed    = errors.New("rpc: engine closed")
)

// ErrorKind is the normalized classification surfaced in StreamError events.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindInvalidFraming
	KindRateLimited
	KindTimeout
	KindIncompleteResponse
	KindTransport
	KindPeerBanned
	KindRemote
	KindCancelled
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindInvalidFraming:     "invalid_framing",
	KindRateLimited:        "rate_limited",
	KindTimeout:            "timeout",
	KindIncompleteResponse: "incomplete_response",
	KindTransport:          "transport",
	KindPeerBanned:         "peer_banned",
	KindRemote:             "remote",
	KindCancelled:          "cancelled",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Classify maps an error onto its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidFraming):
		return KindInvalidFraming
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrIncompleteResponse):
		return KindIncompleteResponse
	case errors.Is(err, ErrPeerBanned):
		return KindPeerBanned
	case errors.Is(err, ErrRemote):
		return KindRemote
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindTransport
	}
}

// StreamError reports a failure scoped to one stream.
type StreamError struct {
	Peer     peer.ID
	Protocol Protocol
	Kind     ErrorKind
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("rpc %s stream with %s: %s: %v", e.Protocol, e.Peer, e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// RemoteError carries the status and message of an error response frame.
type RemoteError struct {
	Status  Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned %s: %q", e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }
