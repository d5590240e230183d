package p2p

import "errors"

var (
	// ErrStopped is returned by API calls once the event loop has exited.
	ErrStopped = errors.New("p2p: network stopped")
	// ErrNotRunning is returned by API calls made before Run.
	ErrNotRunning = errors.New("p2p: network not running")
	// ErrUnsupportedProtocol rejects streams for protocols outside the RPC set.
	ErrUnsupportedProtocol = errors.New("p2p: unsupported protocol")
	// ErrNoGossip is returned by gossip calls when no gossip collaborator is wired.
	ErrNoGossip = errors.New("p2p: gossip not configured")
)
