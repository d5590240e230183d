package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"beaconnet/observability/logging"
	"beaconnet/p2p/peers"
	"beaconnet/p2p/ratelimit"
	"beaconnet/p2p/rpc"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultSweepInterval     = 500 * time.Millisecond
	defaultPruneInterval     = time.Minute
	defaultPingInterval      = 15 * time.Second
	defaultFarewellParallel  = 16
	inputQueueSize           = 256
)

// RPCConfig tunes the request/response engine.
type RPCConfig struct {
	MaxFrameLen     int
	Timeouts        map[rpc.Protocol]time.Duration
	RequestTimeout  time.Duration
	ResponseTimeout time.Duration
}

// Config encapsulates runtime settings for the network. Zero values select
// defaults.
type Config struct {
	Peers  peers.Config
	RPC    RPCConfig
	Quotas map[ratelimit.Class]ratelimit.Quota
	// Topics are subscribed when Run starts.
	Topics   []string
	Metadata Metadata

	HeartbeatInterval  time.Duration
	SweepInterval      time.Duration
	PruneInterval      time.Duration
	PingInterval       time.Duration
	LimiterIdleHorizon time.Duration
}

// Option configures a Network.
type Option func(*Network)

// WithClock overrides the wall clock used for deadlines and scoring.
func WithClock(now func() time.Time) Option {
	return func(n *Network) {
		if now != nil {
			n.now = now
		}
	}
}

// WithLogger overrides the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) {
		if l != nil {
			n.base = l
		}
	}
}

// WithDiscovery wires the discovery collaborator.
func WithDiscovery(d Discovery) Option {
	return func(n *Network) { n.discovery = d }
}

// WithGossip wires the gossip collaborator.
func WithGossip(g Gossip) Option {
	return func(n *Network) { n.gossip = g }
}

// WithBanArchive persists bans across restarts.
func WithBanArchive(a *peers.Archive) Option {
	return func(n *Network) { n.archive = a }
}

type internalKind uint8

const (
	internalPing internalKind = iota + 1
	internalMetaData
	internalGoodbye
)

type internalKey struct {
	peer peer.ID
	id   rpc.RequestID
}

// Network is the behaviour coordinator: a single event loop that owns the
// RPC engine and the peer manager and mediates between them, the external
// collaborators and the application.
type Network struct {
	cfg       Config
	base      *slog.Logger
	logger    *slog.Logger
	metrics   *networkMetrics
	now       func() time.Time
	transport Transport
	discovery Discovery
	gossip    Gossip
	archive   *peers.Archive

	manager *peers.Manager
	engine  *rpc.Engine
	limiter *ratelimit.Limiter

	conns        chan connEvent
	streams      chan inboundStream
	discovered   chan discoveredPeer
	messages     chan GossipMessage
	hints        chan scoreHint
	dialFailures chan dialFailure
	commands     chan func()

	events chan Event
	outbox []Event

	runOnce sync.Once
	ctx     context.Context
	running chan struct{}
	stopped chan struct{}

	// loop-owned
	connected map[peer.ID]network.Direction
	internal  map[internalKey]internalKind
	topics    map[string]struct{}
	metadata  Metadata
}

// New builds a network over transport. Bans found in the archive are
// restored before it returns.
func New(cfg Config, transport Transport, opts ...Option) (*Network, error) {
	if transport == nil {
		return nil, errors.New("p2p: transport required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Quotas == nil {
		cfg.Quotas = rpc.DefaultQuotas()
	}
	n := &Network{
		cfg:          cfg,
		base:         slog.Default(),
		metrics:      newNetworkMetrics(),
		now:          time.Now,
		transport:    transport,
		conns:        make(chan connEvent, inputQueueSize),
		streams:      make(chan inboundStream, inputQueueSize),
		discovered:   make(chan discoveredPeer, inputQueueSize),
		messages:     make(chan GossipMessage, inputQueueSize),
		hints:        make(chan scoreHint, inputQueueSize),
		dialFailures: make(chan dialFailure, inputQueueSize),
		commands:     make(chan func()),
		events:       make(chan Event),
		running:      make(chan struct{}),
		stopped:      make(chan struct{}),
		connected:    make(map[peer.ID]network.Direction),
		internal:     make(map[internalKey]internalKind),
		topics:       make(map[string]struct{}),
		metadata:     cfg.Metadata,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.base.With(slog.String("component", "p2p_network"))

	n.limiter = ratelimit.New(cfg.Quotas,
		ratelimit.WithClock(n.now),
		ratelimit.WithIdleHorizon(cfg.LimiterIdleHorizon))

	managerOpts := []peers.Option{peers.WithClock(n.now), peers.WithLogger(n.base)}
	if n.archive != nil {
		managerOpts = append(managerOpts, peers.WithArchive(n.archive))
	}
	manager, err := peers.NewManager(cfg.Peers, nil, commander{n}, managerOpts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: peer manager: %w", err)
	}
	n.manager = manager

	n.engine = rpc.NewEngine(rpc.Config{
		MaxFrameLen:     cfg.RPC.MaxFrameLen,
		Timeouts:        cfg.RPC.Timeouts,
		RequestTimeout:  cfg.RPC.RequestTimeout,
		ResponseTimeout: cfg.RPC.ResponseTimeout,
		Limiter:         n.limiter,
		Reporter:        scoreRelay{n},
		Bans:            manager,
		Opener:          transport,
		Now:             n.now,
		Logger:          n.base,
	})

	if _, err := manager.Restore(); err != nil {
		return nil, fmt.Errorf("p2p: restore bans: %w", err)
	}
	return n, nil
}

// Events returns the application event stream. Events are buffered without
// bound inside the loop, so a slow consumer never stalls networking.
func (n *Network) Events() <-chan Event { return n.events }

// AllowInbound gates inbound connections before protocol negotiation. It is
// safe for concurrent use.
func (n *Network) AllowInbound(id peer.ID) error { return n.manager.AllowInbound(id) }

// IsBanned reports whether id is under an active ban. It is safe for
// concurrent use.
func (n *Network) IsBanned(id peer.ID) bool { return n.manager.IsBanned(id) }

// Run drives the event loop until ctx is cancelled.
func (n *Network) Run(ctx context.Context) error {
	first := false
	n.runOnce.Do(func() { first = true })
	if !first {
		return errors.New("p2p: network already started")
	}
	g, gctx := errgroup.WithContext(ctx)
	n.ctx = gctx
	close(n.running)
	g.Go(func() error { return n.loop(gctx) })
	g.Go(func() error { return n.bootstrap(gctx) })
	return g.Wait()
}

// bootstrap joins the configured topics.
func (n *Network) bootstrap(ctx context.Context) error {
	for _, topic := range n.cfg.Topics {
		if err := n.Subscribe(ctx, topic); err != nil {
			if errors.Is(err, ErrNoGossip) {
				n.logger.Warn("Topics configured without a gossip collaborator")
				return nil
			}
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("p2p: subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (n *Network) loop(ctx context.Context) error {
	defer n.shutdown()

	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(n.cfg.SweepInterval)
	defer sweep.Stop()
	prune := time.NewTicker(n.cfg.PruneInterval)
	defer prune.Stop()
	ping := time.NewTicker(n.cfg.PingInterval)
	defer ping.Stop()

	n.manager.Heartbeat(n.now())
	for {
		var (
			out  chan<- Event
			next Event
		)
		if len(n.outbox) > 0 {
			out = n.events
			next = n.outbox[0]
		}
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.engine.IO():
			n.engine.HandleIO(ev)
		case c := <-n.conns:
			n.handleConn(c)
		case s := <-n.streams:
			n.handleStream(s)
		case d := <-n.discovered:
			n.manager.OnPeerDiscovered(d.peer, d.addrs, d.via)
		case msg := <-n.messages:
			n.handleGossip(msg)
		case h := <-n.hints:
			n.relayScore(h.peer, func() { n.manager.OnGossipScoreHint(h.peer, h.score) })
		case f := <-n.dialFailures:
			n.manager.OnDialFailed(f.peer, f.err)
		case fn := <-n.commands:
			fn()
		case <-heartbeat.C:
			n.manager.Heartbeat(n.now())
		case <-sweep.C:
			n.engine.Sweep(n.now())
		case <-prune.C:
			n.limiter.Prune()
		case <-ping.C:
			n.pingPeers()
		case out <- next:
			n.outbox[0] = nil
			n.outbox = n.outbox[1:]
		}
		n.dispatch()
	}
}

func (n *Network) shutdown() {
	n.farewell()
	n.engine.Close()
	close(n.stopped)
	if n.archive != nil {
		if err := n.archive.Close(); err != nil {
			n.logger.Warn("Closing ban archive failed", slog.Any("error", err))
		}
	}
	n.logger.Info("Network stopped", slog.Int("undelivered_events", len(n.outbox)))
}

// farewell sends a best-effort Goodbye to every connected peer.
func (n *Network) farewell() {
	if len(n.connected) == 0 {
		return
	}
	frame, err := rpc.NewRequesterCodec(rpc.ProtocolGoodbye, 0).
		EncodeRequest(encodeUint64(uint64(peers.ReasonClientShutdown)))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpc.ProtocolGoodbye.DefaultTimeout())
	defer cancel()
	var g errgroup.Group
	g.SetLimit(defaultFarewellParallel)
	for id := range n.connected {
		g.Go(func() error {
			s, err := n.transport.OpenStream(ctx, id, rpc.ProtocolGoodbye)
			if err != nil {
				return nil
			}
			stop := context.AfterFunc(ctx, func() { _ = s.Reset() })
			defer stop()
			if _, err := s.Write(frame); err != nil {
				_ = s.Reset()
				return nil
			}
			_ = s.Close()
			return nil
		})
	}
	_ = g.Wait()
}

// dispatch routes engine events until none are left. Routing can itself
// produce engine events.
func (n *Network) dispatch() {
	for evs := n.engine.Drain(); len(evs) > 0; evs = n.engine.Drain() {
		for _, ev := range evs {
			n.route(ev)
		}
	}
	n.metrics.setBacklog(len(n.outbox))
}

func (n *Network) emit(ev Event) {
	n.outbox = append(n.outbox, ev)
}

func (n *Network) route(ev rpc.Event) {
	switch ev := ev.(type) {
	case rpc.RequestReceived:
		if n.manager.IsBanned(ev.Handle.Peer) {
			return
		}
		switch ev.Handle.Protocol {
		case rpc.ProtocolPing:
			n.answerPing(ev)
		case rpc.ProtocolMetaData:
			n.answerMetadata(ev)
		case rpc.ProtocolGoodbye:
			n.handleGoodbye(ev)
		default:
			n.emit(ev)
		}
	case rpc.ResponseReceived:
		if kind, ok := n.internal[internalKey{peer: ev.Peer, id: ev.Request}]; ok {
			n.handleInternalResponse(kind, ev)
			return
		}
		if n.manager.IsBanned(ev.Peer) {
			return
		}
		n.emit(ev)
	case rpc.RequestCompleted:
		if n.finishInternal(ev.Peer, ev.Request, ev.Err) {
			return
		}
		n.emit(ev)
	case rpc.RequestTimedOut:
		if n.finishInternal(ev.Peer, ev.Request, rpc.ErrTimeout) {
			return
		}
		n.emit(ev)
	case *rpc.StreamError:
		n.emit(ev)
	}
}

func (n *Network) handleConn(c connEvent) {
	dir := c.direction.String()
	if c.closed {
		n.engine.ResetPeer(c.peer, fmt.Errorf("%w: connection closed", rpc.ErrTransport))
		n.limiter.Remove(c.peer)
		n.manager.OnConnectionClosed(c.peer)
		if _, ok := n.connected[c.peer]; ok {
			delete(n.connected, c.peer)
			n.emit(PeerDisconnected{Peer: c.peer})
		}
		n.metrics.recordConnection(dir, "closed")
		return
	}
	if err := n.manager.OnConnectionEstablished(c.peer, c.direction, c.addr); err != nil {
		n.metrics.recordConnection(dir, "rejected")
		n.logger.Info("Rejecting connection",
			slog.String("peer_id", c.peer.String()),
			logging.MaskAddress("peer_address", c.addr),
			slog.String("direction", dir),
			slog.Any("error", err))
		n.closePeer(c.peer)
		return
	}
	n.metrics.recordConnection(dir, "accepted")
	if _, ok := n.connected[c.peer]; ok {
		return
	}
	n.connected[c.peer] = c.direction
	n.emit(PeerConnected{Peer: c.peer, Direction: c.direction})
	n.sendInternal(c.peer, rpc.ProtocolMetaData, nil, internalMetaData)
}

func (n *Network) handleStream(s inboundStream) {
	p, ok := rpc.ParseProtocol(s.protocol)
	if !ok {
		_ = s.stream.Reset()
		n.metrics.recordRejectedStream("unsupported_protocol")
		return
	}
	if err := n.engine.HandleInboundStream(s.peer, p, s.stream); err != nil {
		n.metrics.recordRejectedStream(rpc.Classify(err).String())
		n.logger.Debug("Inbound stream refused",
			slog.String("peer_id", s.peer.String()),
			slog.String("protocol", p.String()),
			slog.Any("error", err))
	}
}

func (n *Network) handleGossip(msg GossipMessage) {
	if n.manager.IsBanned(msg.From) {
		n.metrics.recordGossip("inbound", "dropped")
		return
	}
	n.metrics.recordGossip("inbound", "delivered")
	n.emit(msg)
}

func (n *Network) answerPing(ev rpc.RequestReceived) {
	seq, err := decodeUint64(ev.Payload)
	if err != nil {
		_ = n.engine.RespondError(ev.Handle, rpc.StatusInvalidRequest, err.Error())
		return
	}
	_ = n.engine.Respond(ev.Handle, encodeUint64(n.metadata.Seq))
	n.checkMetadataSeq(ev.Handle.Peer, seq)
}

func (n *Network) answerMetadata(ev rpc.RequestReceived) {
	_ = n.engine.Respond(ev.Handle, n.metadata.Encode())
}

func (n *Network) handleGoodbye(ev rpc.RequestReceived) {
	_ = n.engine.EndResponse(ev.Handle)
	reason, err := decodeUint64(ev.Payload)
	attrs := []any{slog.String("peer_id", ev.Handle.Peer.String())}
	if err == nil {
		attrs = append(attrs, slog.String("reason", peers.DisconnectReason(reason).String()))
	}
	n.logger.Info("Peer said goodbye", attrs...)
	n.closePeer(ev.Handle.Peer)
}

func (n *Network) checkMetadataSeq(id peer.ID, seq uint64) {
	known, ok := n.manager.MetadataSeq(id)
	if ok && seq > known {
		n.sendInternal(id, rpc.ProtocolMetaData, nil, internalMetaData)
	}
}

func (n *Network) handleInternalResponse(kind internalKind, ev rpc.ResponseReceived) {
	switch kind {
	case internalPing:
		seq, err := decodeUint64(ev.Payload)
		if err != nil {
			n.relayScore(ev.Peer, func() { n.manager.ReportPeer(ev.Peer, peers.ActionModerate, "invalid_ping_response") })
			return
		}
		n.checkMetadataSeq(ev.Peer, seq)
	case internalMetaData:
		md, err := DecodeMetadata(ev.Payload)
		if err != nil {
			n.relayScore(ev.Peer, func() { n.manager.ReportPeer(ev.Peer, peers.ActionModerate, "invalid_metadata") })
			return
		}
		n.manager.OnMetadata(ev.Peer, md.Seq, md.Subnets())
	}
}

// finishInternal consumes the terminal event of a request the network made
// on its own behalf.
func (n *Network) finishInternal(id peer.ID, rid rpc.RequestID, err error) bool {
	key := internalKey{peer: id, id: rid}
	kind, ok := n.internal[key]
	if !ok {
		return false
	}
	delete(n.internal, key)
	if kind == internalGoodbye {
		n.closePeer(id)
		return true
	}
	if err != nil {
		n.logger.Debug("Keepalive request failed",
			slog.String("peer_id", id.String()),
			slog.Any("error", err))
	}
	return true
}

func (n *Network) sendInternal(id peer.ID, p rpc.Protocol, payload []byte, kind internalKind) error {
	rid, err := n.engine.SendRequest(id, p, payload)
	if err != nil {
		return err
	}
	n.internal[internalKey{peer: id, id: rid}] = kind
	return nil
}

func (n *Network) pingPeers() {
	payload := encodeUint64(n.metadata.Seq)
	for id := range n.connected {
		if err := n.sendInternal(id, rpc.ProtocolPing, payload, internalPing); err != nil {
			n.logger.Debug("Ping not sent", slog.String("peer_id", id.String()), slog.Any("error", err))
		}
	}
}

func (n *Network) closePeer(id peer.ID) {
	go func() {
		if err := n.transport.ClosePeer(id); err != nil {
			n.logger.Debug("Closing peer failed", slog.String("peer_id", id.String()), slog.Any("error", err))
		}
	}()
}

// relayScore runs apply and mirrors the resulting score change into the
// gossip layer.
func (n *Network) relayScore(id peer.ID, apply func()) {
	before, known := n.score(id)
	apply()
	after, ok := n.score(id)
	if n.gossip == nil || !known || !ok || after == before {
		return
	}
	n.gossip.ReportPeerScoreDelta(id, after-before)
}

func (n *Network) score(id peer.ID) (float64, bool) {
	rec, ok := n.manager.Store().Get(id)
	if !ok {
		return 0, false
	}
	return rec.Score, true
}

func isInternal(p rpc.Protocol) bool {
	return p == rpc.ProtocolPing || p == rpc.ProtocolMetaData || p == rpc.ProtocolGoodbye
}

// scoreRelay forwards engine penalties to the manager and the gossip layer.
type scoreRelay struct{ n *Network }

func (r scoreRelay) ReportPeer(id peer.ID, action peers.Action, reason string) {
	r.n.relayScore(id, func() { r.n.manager.ReportPeer(id, action, reason) })
}

// commander executes peer manager decisions. Everything that touches the
// network runs in its own goroutine; CloseStreams is synchronous.
type commander struct{ n *Network }

func (c commander) Dial(id peer.ID, addrs []ma.Multiaddr) {
	n := c.n
	ctx := n.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := n.transport.Dial(ctx, id, addrs); err != nil {
			deliver(n, n.dialFailures, dialFailure{peer: id, err: err})
		}
	}()
}

func (c commander) Disconnect(id peer.ID, reason peers.DisconnectReason) {
	payload := encodeUint64(uint64(reason))
	if err := c.n.sendInternal(id, rpc.ProtocolGoodbye, payload, internalGoodbye); err != nil {
		c.n.closePeer(id)
	}
}

func (c commander) CloseStreams(id peer.ID) {
	c.n.engine.ResetPeer(id, rpc.ErrPeerBanned)
	c.n.limiter.Remove(id)
}

func (c commander) FindPeers(req peers.Requirement, count int) {
	n := c.n
	if n.discovery == nil {
		return
	}
	ctx := n.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := n.discovery.FindPeers(ctx, req, count); err != nil && ctx.Err() == nil {
			n.logger.Warn("Discovery query failed",
				slog.String("requirement", req.String()),
				slog.Any("error", err))
		}
	}()
}

// deliver hands v to the loop unless it has stopped.
func deliver[T any](n *Network, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-n.stopped:
		return false
	}
}

// do runs fn on the loop and waits for its result. If ctx ends after fn was
// queued, fn still runs.
func (n *Network) do(ctx context.Context, fn func() error) error {
	select {
	case <-n.running:
	default:
		return ErrNotRunning
	}
	done := make(chan error, 1)
	select {
	case n.commands <- func() { done <- fn() }:
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Collaborator entry points. They may be called from any goroutine.

// OnConnectionEstablished reports the first connection to a peer.
func (n *Network) OnConnectionEstablished(id peer.ID, dir network.Direction, addr ma.Multiaddr) {
	deliver(n, n.conns, connEvent{peer: id, direction: dir, addr: addr})
}

// OnConnectionClosed reports that the last connection to a peer closed.
func (n *Network) OnConnectionClosed(id peer.ID) {
	deliver(n, n.conns, connEvent{peer: id, closed: true})
}

// OnInboundStream hands a remotely opened stream to the engine.
func (n *Network) OnInboundStream(id peer.ID, p protocol.ID, s rpc.Stream) {
	if !deliver(n, n.streams, inboundStream{peer: id, protocol: p, stream: s}) {
		_ = s.Reset()
	}
}

// OnPeerDiscovered reports a discovery hit found while looking for via.
func (n *Network) OnPeerDiscovered(id peer.ID, addrs []ma.Multiaddr, via peers.Requirement) {
	deliver(n, n.discovered, discoveredPeer{peer: id, addrs: addrs, via: via})
}

// OnGossipMessage reports a message received on a subscribed topic.
func (n *Network) OnGossipMessage(msg GossipMessage) {
	deliver(n, n.messages, msg)
}

// OnPeerScoreHint reports the gossip layer's score for a peer.
func (n *Network) OnPeerScoreHint(id peer.ID, score float64) {
	deliver(n, n.hints, scoreHint{peer: id, score: score})
}

// OnDialFailed reports a failed dial attempted outside the manager.
func (n *Network) OnDialFailed(id peer.ID, err error) {
	deliver(n, n.dialFailures, dialFailure{peer: id, err: err})
}

// Application API. Calls are safe from any goroutine once Run has started.

// SendRequest sends an RPC request. Ping, MetaData and Goodbye are driven by
// the network itself and are refused.
func (n *Network) SendRequest(ctx context.Context, id peer.ID, p rpc.Protocol, payload []byte, opts ...rpc.RequestOption) (rpc.RequestID, error) {
	if isInternal(p) {
		return 0, fmt.Errorf("%w: %s is handled by the network", ErrUnsupportedProtocol, p)
	}
	var rid rpc.RequestID
	err := n.do(ctx, func() error {
		var err error
		rid, err = n.engine.SendRequest(id, p, payload, opts...)
		return err
	})
	return rid, err
}

// Respond answers an inbound request with one payload.
func (n *Network) Respond(ctx context.Context, h rpc.InboundHandle, payload []byte) error {
	return n.do(ctx, func() error { return n.engine.Respond(h, payload) })
}

// RespondError answers an inbound request with an error status.
func (n *Network) RespondError(ctx context.Context, h rpc.InboundHandle, status rpc.Status, message string) error {
	return n.do(ctx, func() error { return n.engine.RespondError(h, status, message) })
}

// EndResponse terminates a streamed response.
func (n *Network) EndResponse(ctx context.Context, h rpc.InboundHandle) error {
	return n.do(ctx, func() error { return n.engine.EndResponse(h) })
}

// Cancel abandons a pending request. Its stream is released before Cancel
// returns.
func (n *Network) Cancel(ctx context.Context, id peer.ID, rid rpc.RequestID) error {
	return n.do(ctx, func() error { return n.engine.Cancel(id, rid) })
}

// BanPeer bans a peer for the configured ban duration.
func (n *Network) BanPeer(ctx context.Context, id peer.ID, reason string) error {
	return n.do(ctx, func() error {
		n.relayScore(id, func() { n.manager.Ban(id, reason) })
		return nil
	})
}

// DisconnectPeer says goodbye to a connected peer and closes the connection.
func (n *Network) DisconnectPeer(ctx context.Context, id peer.ID, reason peers.DisconnectReason) error {
	return n.do(ctx, func() error { return n.manager.Disconnect(id, reason) })
}

// EnsurePeers checks whether enough connected peers satisfy req and starts
// dials or a targeted discovery query if not. It returns the shortfall.
func (n *Network) EnsurePeers(ctx context.Context, req peers.Requirement) (int, error) {
	var deficit int
	err := n.do(ctx, func() error {
		deficit = n.manager.EnsurePeers(req)
		return nil
	})
	return deficit, err
}

// SetSubnet updates the local metadata advertised to peers.
func (n *Network) SetSubnet(ctx context.Context, s peers.Subnet, on bool) error {
	return n.do(ctx, func() error {
		n.metadata = n.metadata.WithSubnet(s, on)
		return nil
	})
}

// Metadata returns the metadata currently advertised to peers.
func (n *Network) Metadata(ctx context.Context) (Metadata, error) {
	var md Metadata
	err := n.do(ctx, func() error {
		md = n.metadata
		return nil
	})
	return md, err
}

// Subscribe joins a gossip topic.
func (n *Network) Subscribe(ctx context.Context, topic string) error {
	if n.gossip == nil {
		return ErrNoGossip
	}
	if err := n.gossip.Subscribe(topic); err != nil {
		return err
	}
	return n.do(ctx, func() error {
		n.topics[topic] = struct{}{}
		return nil
	})
}

// Unsubscribe leaves a gossip topic.
func (n *Network) Unsubscribe(ctx context.Context, topic string) error {
	if n.gossip == nil {
		return ErrNoGossip
	}
	if err := n.gossip.Unsubscribe(topic); err != nil {
		return err
	}
	return n.do(ctx, func() error {
		delete(n.topics, topic)
		return nil
	})
}

// Publish broadcasts data on a topic.
func (n *Network) Publish(ctx context.Context, topic string, data []byte) error {
	if n.gossip == nil {
		return ErrNoGossip
	}
	if err := n.gossip.Publish(ctx, topic, data); err != nil {
		n.metrics.recordGossip("outbound", "failed")
		return err
	}
	n.metrics.recordGossip("outbound", "published")
	return nil
}

// ReportGossipValidation feeds the application's verdict on a gossip
// message back into the sender's score.
func (n *Network) ReportGossipValidation(ctx context.Context, from peer.ID, result ValidationResult) error {
	if result != ValidationReject {
		return nil
	}
	return n.do(ctx, func() error {
		n.relayScore(from, func() { n.manager.ReportGossip(from, "gossip_rejected") })
		return nil
	})
}
