package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"beaconnet/p2p/peers"
	"beaconnet/p2p/ratelimit"
)

const (
	defaultRequestTimeout  = 10 * time.Second
	defaultResponseTimeout = 20 * time.Second
	defaultWriteQueue      = 128
	ioQueueSize            = 256
)

// PeerReporter receives score events for misbehaving peers. The peer manager
// implements it; reports are synchronous so ban decisions land within the
// same loop step.
type PeerReporter interface {
	ReportPeer(id peer.ID, action peers.Action, reason string)
}

// BanChecker gates operations on banned peers.
type BanChecker interface {
	IsBanned(id peer.ID) bool
}

// Config tunes the engine. Zero values select defaults.
type Config struct {
	MaxFrameLen int
	// Timeouts overrides the response deadline per protocol.
	Timeouts map[Protocol]time.Duration
	// RequestTimeout bounds how long an inbound stream may take to deliver
	// its request.
	RequestTimeout time.Duration
	// ResponseTimeout bounds how long the application may take to answer an
	// inbound request, and the gap between streamed response chunks.
	ResponseTimeout time.Duration
	WriteQueue      int

	Limiter  *ratelimit.Limiter
	Reporter PeerReporter
	Bans     BanChecker
	Opener   StreamOpener
	Now      func() time.Time
	Logger   *slog.Logger
}

// Stats is a point-in-time view of engine bookkeeping.
type Stats struct {
	InboundStreams   int
	OutboundStreams  int
	PendingRequests  int
	PendingResponses int
}

type requestKey struct {
	peer peer.ID
	id   RequestID
}

type exclusiveKey struct {
	peer     peer.ID
	protocol Protocol
}

// Engine owns every request/response stream of the node. All methods except
// IO must be called from the single goroutine that drains IO.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *engineMetrics

	ctx    context.Context
	cancel context.CancelFunc
	io     chan IOEvent

	nextRequest RequestID
	nextStream  streamID

	outbound  map[requestKey]*outboundRequest
	exclusive map[exclusiveKey]RequestID
	inbound   map[streamID]*inboundStream
	streams   map[streamID]requestKey
	byPeer    map[peer.ID]*peerStreams

	events []Event
}

type peerStreams struct {
	inbound  map[streamID]struct{}
	outbound map[RequestID]struct{}
}

// NewEngine constructs an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxFrameLen <= 0 {
		cfg.MaxFrameLen = DefaultMaxFrameLen
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "rpc_engine")),
		metrics:   newEngineMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		io:        make(chan IOEvent, ioQueueSize),
		outbound:  make(map[requestKey]*outboundRequest),
		exclusive: make(map[exclusiveKey]RequestID),
		inbound:   make(map[streamID]*inboundStream),
		streams:   make(map[streamID]requestKey),
		byPeer:    make(map[peer.ID]*peerStreams),
	}
}

// IO returns the channel stream goroutines post completions on. The owner
// passes every value to HandleIO.
func (e *Engine) IO() <-chan IOEvent { return e.io }

// HandleIO applies one stream completion. Completions for streams that have
// already been released are dropped.
func (e *Engine) HandleIO(ev IOEvent) {
	if ev.kind == ioOpened {
		e.handleOpened(ev)
		return
	}
	if in, ok := e.inbound[ev.stream]; ok {
		e.handleInboundIO(in, ev)
		return
	}
	if key, ok := e.streams[ev.stream]; ok {
		if req, ok := e.outbound[key]; ok {
			e.handleOutboundIO(req, ev)
		}
	}
}

// Drain returns and clears the events emitted since the last call.
func (e *Engine) Drain() []Event {
	out := e.events
	e.events = nil
	return out
}

func (e *Engine) emit(ev Event) {
	e.events = append(e.events, ev)
}

// ResetPeer aborts every stream and pending request of id. Pending outbound
// requests complete with cause. It returns the number of streams reset.
func (e *Engine) ResetPeer(id peer.ID, cause error) int {
	ps, ok := e.byPeer[id]
	if !ok {
		return 0
	}
	reset := 0
	for sid := range ps.inbound {
		if in, ok := e.inbound[sid]; ok {
			e.dropInbound(in, true)
			reset++
		}
	}
	for rid := range ps.outbound {
		if req, ok := e.outbound[requestKey{peer: id, id: rid}]; ok {
			if req.pipe != nil {
				reset++
			}
			e.finishOutbound(req, cause, true)
		}
	}
	delete(e.byPeer, id)
	if reset > 0 {
		e.logger.Debug("Reset peer streams",
			slog.String("peer_id", id.String()),
			slog.Int("streams", reset),
			slog.Any("cause", cause))
	}
	return reset
}

// Sweep expires deadlines that passed at or before now.
func (e *Engine) Sweep(now time.Time) {
	// a timeout penalty can ban the peer and reset its other streams, so
	// every entry is looked up again before it is expired
	for _, req := range e.outboundSnapshot() {
		if _, live := e.outbound[requestKey{peer: req.peer, id: req.id}]; !live {
			continue
		}
		if !now.Before(req.deadline) {
			e.timeoutOutbound(req)
		}
	}
	for _, in := range e.inboundSnapshot() {
		if _, live := e.inbound[in.pipe.id]; !live {
			continue
		}
		if !now.Before(in.deadline) {
			e.timeoutInbound(in)
		}
	}
}

// Stats reports current bookkeeping sizes.
func (e *Engine) Stats() Stats {
	var s Stats
	for _, in := range e.inbound {
		s.InboundStreams++
		if in.state == inboundAwaitingResponse {
			s.PendingResponses++
		}
	}
	for _, req := range e.outbound {
		s.PendingRequests++
		if req.pipe != nil {
			s.OutboundStreams++
		}
	}
	return s
}

// Close aborts every stream. The engine must not be used afterwards.
func (e *Engine) Close() {
	for id := range e.byPeer {
		e.ResetPeer(id, ErrEngineClosed)
	}
	e.cancel()
}

func (e *Engine) banned(id peer.ID) bool {
	return e.cfg.Bans != nil && e.cfg.Bans.IsBanned(id)
}

func (e *Engine) report(id peer.ID, action peers.Action, reason string) {
	if e.cfg.Reporter == nil {
		return
	}
	e.cfg.Reporter.ReportPeer(id, action, reason)
}

func (e *Engine) timeout(p Protocol) time.Duration {
	if d, ok := e.cfg.Timeouts[p]; ok && d > 0 {
		return d
	}
	return p.DefaultTimeout()
}

func (e *Engine) peerStreams(id peer.ID) *peerStreams {
	ps, ok := e.byPeer[id]
	if !ok {
		ps = &peerStreams{
			inbound:  make(map[streamID]struct{}),
			outbound: make(map[RequestID]struct{}),
		}
		e.byPeer[id] = ps
	}
	return ps
}

func (e *Engine) forgetPeerIfIdle(id peer.ID) {
	if ps, ok := e.byPeer[id]; ok && len(ps.inbound) == 0 && len(ps.outbound) == 0 {
		delete(e.byPeer, id)
	}
}

// streamError records a stream failure and emits it.
func (e *Engine) streamError(id peer.ID, p Protocol, err error) *StreamError {
	se := &StreamError{Peer: id, Protocol: p, Kind: Classify(err), Err: err}
	e.emit(se)
	e.metrics.recordStreamError(p, se.Kind)
	e.logger.Debug("RPC stream error",
		slog.String("peer_id", id.String()),
		slog.String("protocol", p.String()),
		slog.String("kind", se.Kind.String()),
		slog.Any("error", err))
	return se
}

// penalize forwards the score consequence of a stream failure.
func (e *Engine) penalize(id peer.ID, kind ErrorKind, p Protocol) {
	var action peers.Action
	switch kind {
	case KindInvalidFraming:
		action = peers.ActionSevere
	case KindRateLimited:
		action = peers.ActionModerate
	case KindTimeout, KindIncompleteResponse:
		action = peers.ActionMild
	default:
		return
	}
	e.report(id, action, fmt.Sprintf("rpc_%s_%s", p, kind))
}
