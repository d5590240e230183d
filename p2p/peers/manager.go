package peers

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"beaconnet/observability/logging"
)

// Commander carries out the manager's decisions. Calls are made from the
// event loop and must not block on the network; CloseStreams must have
// released every stream of the peer by the time it returns.
type Commander interface {
	Dial(id peer.ID, addrs []ma.Multiaddr)
	Disconnect(id peer.ID, reason DisconnectReason)
	CloseStreams(id peer.ID)
	FindPeers(req Requirement, count int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithArchive persists bans to a.
func WithArchive(a *Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithLogger overrides the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Counts is a census of the store by state and direction.
type Counts struct {
	Inbound  [stateCount]int
	Outbound [stateCount]int
	Unknown  [stateCount]int
}

const stateCount = int(StateBanned) + 1

// State returns the number of peers in st regardless of direction.
func (c Counts) State(st State) int {
	return c.Inbound[st] + c.Outbound[st] + c.Unknown[st]
}

// Manager enforces connection-count and reputation policy over the Store.
// Apart from AllowInbound and IsBanned, its methods run on the owning event
// loop.
type Manager struct {
	cfg     Config
	store   *Store
	cmd     Commander
	archive *Archive
	logger  *slog.Logger
	metrics *managerMetrics
	now     func() time.Time

	failed *expirable.LRU[peer.ID, time.Time]
	// targeted requirements still short of connected peers, by String
	wanted map[string]Requirement

	lastHeartbeat time.Time
}

// NewManager constructs a manager. A nil store is replaced by an empty one.
func NewManager(cfg Config, store *Store, cmd Commander, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, errors.New("peers: commander required")
	}
	m := &Manager{
		cfg:     cfg,
		cmd:     cmd,
		logger:  slog.Default(),
		metrics: newManagerMetrics(),
		now:     time.Now,
		wanted:  make(map[string]Requirement),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "peer_manager"))
	if store == nil {
		store = NewStore(cfg, m.now)
	}
	m.store = store
	m.failed = expirable.NewLRU[peer.ID, time.Time](cfg.DialCacheSize, nil, cfg.DialFailureTTL)
	return m, nil
}

// Store exposes the underlying peer store.
func (m *Manager) Store() *Store { return m.store }

// Config returns the effective policy.
func (m *Manager) Config() Config { return m.cfg }

// Restore reinstates unexpired bans from the archive and drops expired ones.
func (m *Manager) Restore() (int, error) {
	if m.archive == nil {
		return 0, nil
	}
	entries, err := m.archive.Load()
	if err != nil {
		return 0, err
	}
	now := m.now()
	restored := 0
	for _, entry := range entries {
		id, err := peer.Decode(entry.ID)
		if err != nil {
			m.logger.Warn("Skipping undecodable ban entry", slog.String("id", entry.ID), slog.Any("error", err))
			continue
		}
		if !entry.Until.After(now) {
			_ = m.archive.Delete(id)
			continue
		}
		m.store.Upsert(id, func(r *Record) {
			r.State = StateBanned
			r.BannedUntil = entry.Until
			r.BanReason = entry.Reason
			r.Score = entry.Score
		})
		restored++
	}
	if restored > 0 {
		m.logger.Info("Restored peer bans", slog.Int("count", restored))
	}
	return restored, nil
}

// AllowInbound decides whether an inbound connection may proceed to protocol
// negotiation. It never creates a record and is safe for concurrent use.
func (m *Manager) AllowInbound(id peer.ID) error {
	if m.IsBanned(id) {
		return ErrPeerBanned
	}
	if rec, ok := m.store.Get(id); ok && rec.Connected() {
		return nil
	}
	if m.store.ConnectedCount(network.DirInbound) >= m.cfg.MaxInbound {
		return ErrTooManyPeers
	}
	return nil
}

// IsBanned reports whether id is banned. It is safe for concurrent use.
func (m *Manager) IsBanned(id peer.ID) bool {
	rec, ok := m.store.Get(id)
	return ok && rec.Banned()
}

// OnConnectionEstablished records a new connection. A non-nil error means the
// connection must be dropped; no record is created for a rejected inbound
// peer.
func (m *Manager) OnConnectionEstablished(id peer.ID, dir network.Direction, addr ma.Multiaddr) error {
	if m.IsBanned(id) {
		return ErrPeerBanned
	}
	rec, known := m.store.Get(id)
	if known && rec.Connected() {
		return nil
	}
	switch dir {
	case network.DirInbound:
		if m.store.ConnectedCount(network.DirInbound) >= m.cfg.MaxInbound {
			m.logger.Debug("Rejecting inbound peer at capacity", slog.String("peer_id", id.String()))
			return ErrTooManyPeers
		}
	case network.DirOutbound:
		if m.store.ConnectedCount(network.DirOutbound) >= m.cfg.MaxOutbound {
			if known {
				m.setDisconnected(id)
			}
			return ErrTooManyPeers
		}
	}
	now := m.now()
	m.store.Upsert(id, func(r *Record) {
		r.State = StateConnected
		r.Direction = dir
		r.ConnectedAt = now
		r.LastSeen = now
		r.DialFailures = 0
		r.AddAddrs(addr)
	})
	m.failed.Remove(id)
	if dir == network.DirOutbound {
		m.metrics.recordDial("connected")
	}
	m.logger.Info("Peer connected",
		slog.String("peer_id", id.String()),
		logging.MaskAddress("peer_address", addr),
		slog.String("direction", dir.String()))
	return nil
}

// OnConnectionClosed records that the last connection to id went away.
func (m *Manager) OnConnectionClosed(id peer.ID) {
	_, err := m.store.Update(id, func(r *Record) error {
		switch r.State {
		case StateConnected, StateDisconnecting, StateDialing:
			r.State = StateDisconnected
			r.LastSeen = m.now()
			return nil
		case StateBanned:
			return nil
		}
		return ErrInvalidTransition
	})
	if err != nil {
		m.logger.Debug("Ignoring connection close", slog.String("peer_id", id.String()), slog.Any("error", err))
		return
	}
	m.logger.Info("Peer disconnected", slog.String("peer_id", id.String()))
}

// OnDialFailed records a failed outbound attempt. The peer is not redialled
// until the failure cache entry expires.
func (m *Manager) OnDialFailed(id peer.ID, cause error) {
	m.failed.Add(id, m.now())
	m.metrics.recordDial("failed")
	_, _ = m.store.Update(id, func(r *Record) error {
		r.DialFailures++
		if r.State == StateDialing {
			r.State = StateDisconnected
		}
		return nil
	})
	m.logger.Debug("Dial failed", slog.String("peer_id", id.String()), slog.Any("error", cause))
}

// OnPeerDiscovered merges a discovery hit into the store. via is the
// requirement the query ran for; its subnet and protocol are recorded as
// hints until the peer's own metadata and protocols replace them.
func (m *Manager) OnPeerDiscovered(id peer.ID, addrs []ma.Multiaddr, via Requirement) {
	if m.IsBanned(id) {
		return
	}
	if !m.store.Has(id) && m.store.Len() >= m.cfg.MaxKnownPeers && !m.evictStale() {
		m.logger.Debug("Dropping discovered peer, table full", slog.String("peer_id", id.String()))
		return
	}
	m.store.Upsert(id, func(r *Record) {
		r.AddAddrs(addrs...)
		if via.Protocol != "" {
			r.Protocols.Add(via.Protocol)
		}
		if via.Subnet != nil && r.State != StateConnected {
			r.Subnets.Add(*via.Subnet)
		}
		r.LastSeen = m.now()
	})
}

// OnProtocols replaces the set of protocols negotiated with a connected peer.
func (m *Manager) OnProtocols(id peer.ID, protos []protocol.ID) {
	_, _ = m.store.Update(id, func(r *Record) error {
		r.Protocols.Clear()
		for _, p := range protos {
			r.Protocols.Add(p)
		}
		return nil
	})
}

// OnMetadata applies a peer's advertised subnets. Stale sequence numbers are
// ignored. It reports whether the record changed.
func (m *Manager) OnMetadata(id peer.ID, seq uint64, subnets []Subnet) bool {
	_, err := m.store.Update(id, func(r *Record) error {
		if seq < r.MetadataSeq {
			return ErrInvalidTransition
		}
		r.MetadataSeq = seq
		r.Subnets.Clear()
		for _, s := range subnets {
			r.Subnets.Add(s)
		}
		return nil
	})
	return err == nil
}

// MetadataSeq returns the last metadata sequence number seen from id.
func (m *Manager) MetadataSeq(id peer.ID) (uint64, bool) {
	rec, ok := m.store.Get(id)
	if !ok {
		return 0, false
	}
	return rec.MetadataSeq, true
}

// OnGossipScoreHint records the gossip layer's view of a peer and re-checks
// thresholds against it.
func (m *Manager) OnGossipScoreHint(id peer.ID, score float64) {
	if _, err := m.store.Update(id, func(r *Record) error {
		r.GossipScore = score
		return nil
	}); err != nil {
		return
	}
	m.checkScore(id, "gossip_score")
}

// ReportPeer applies a penalty of the given severity. It implements the RPC
// engine's reporter and runs the ban check before returning.
func (m *Manager) ReportPeer(id peer.ID, action Action, reason string) {
	if action == ActionFatal {
		if _, err := m.store.ApplyScoreDelta(id, m.cfg.penalty(action), reason); err == nil {
			m.metrics.recordPenalty(action)
			m.Ban(id, reason)
		}
		return
	}
	m.penalize(id, action, m.cfg.penalty(action), reason)
}

// ReportGossip penalizes a peer for a rejected gossip message.
func (m *Manager) ReportGossip(id peer.ID, reason string) {
	m.penalize(id, ActionModerate, m.cfg.GossipRejectPenalty, reason)
}

func (m *Manager) penalize(id peer.ID, action Action, delta float64, reason string) {
	rec, ok := m.store.Get(id)
	if !ok || rec.Banned() {
		return
	}
	score, err := m.store.ApplyScoreDelta(id, delta, reason)
	if err != nil {
		return
	}
	m.metrics.recordPenalty(action)
	m.logger.Warn("Peer penalized",
		slog.String("peer_id", id.String()),
		slog.String("action", action.String()),
		slog.String("reason", reason),
		slog.Float64("score", score))
	m.checkScore(id, reason)
}

// effectiveScore folds negative gossip feedback into the RPC score.
func (m *Manager) effectiveScore(r *Record) float64 {
	return r.Score + m.cfg.GossipScoreWeight*math.Min(r.GossipScore, 0)
}

func (m *Manager) checkScore(id peer.ID, reason string) {
	rec, ok := m.store.Get(id)
	if !ok || rec.Banned() {
		return
	}
	score := m.effectiveScore(rec)
	switch {
	case score <= m.cfg.BanThreshold:
		m.Ban(id, reason)
	case score <= m.cfg.DisconnectThreshold && rec.State == StateConnected:
		_ = m.Disconnect(id, ReasonBadScore)
	}
}

// Ban moves id to Banned. Its streams are closed before Ban returns, then the
// connection is dropped. Banning an already banned peer extends the ban.
func (m *Manager) Ban(id peer.ID, reason string) {
	now := m.now()
	until := now.Add(m.cfg.BanDuration)
	var wasConnected bool
	rec := m.store.Upsert(id, func(r *Record) {
		wasConnected = r.Connected()
		r.State = StateBanned
		r.BannedUntil = until
		r.BanReason = reason
	})
	m.cmd.CloseStreams(id)
	if wasConnected {
		m.cmd.Disconnect(id, ReasonBanned)
	}
	m.failed.Remove(id)
	if m.archive != nil {
		entry := BanEntry{ID: id.String(), Until: until, Reason: reason, Score: rec.Score}
		if err := m.archive.Put(entry); err != nil {
			m.logger.Error("Persist ban failed", slog.String("peer_id", id.String()), slog.Any("error", err))
		}
	}
	m.metrics.recordBan()
	m.logger.Warn("Peer banned",
		slog.String("peer_id", id.String()),
		slog.String("reason", reason),
		slog.Float64("score", rec.Score),
		slog.Time("until", until))
}

// Unban purges the record of a peer whose ban has expired, so a future
// contact is evaluated from scratch.
func (m *Manager) Unban(id peer.ID) error {
	rec, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("unban %s: %w", id, ErrUnknownPeer)
	}
	if !rec.Banned() {
		return fmt.Errorf("unban %s: %w", id, ErrNotBanned)
	}
	if m.now().Before(rec.BannedUntil) {
		return fmt.Errorf("unban %s until %s: %w", id, rec.BannedUntil.Format(time.RFC3339), ErrBanActive)
	}
	m.store.Remove(id)
	if m.archive != nil {
		if err := m.archive.Delete(id); err != nil {
			m.logger.Error("Delete ban failed", slog.String("peer_id", id.String()), slog.Any("error", err))
		}
	}
	m.logger.Info("Peer ban expired", slog.String("peer_id", id.String()))
	return nil
}

// Disconnect starts a voluntary disconnect of a connected peer.
func (m *Manager) Disconnect(id peer.ID, reason DisconnectReason) error {
	_, err := m.store.Update(id, func(r *Record) error {
		if r.State != StateConnected {
			return fmt.Errorf("disconnect from %s: %w", r.State, ErrInvalidTransition)
		}
		r.State = StateDisconnecting
		return nil
	})
	if err != nil {
		m.logger.Debug("Ignoring disconnect", slog.String("peer_id", id.String()), slog.Any("error", err))
		return err
	}
	m.cmd.Disconnect(id, reason)
	m.logger.Info("Disconnecting peer",
		slog.String("peer_id", id.String()),
		slog.String("reason", reason.String()))
	return nil
}

// Heartbeat runs periodic maintenance: score decay, ban expiry, pruning above
// target and filling outbound slots.
func (m *Manager) Heartbeat(now time.Time) {
	m.decay()
	m.expireBans(now)
	m.expireDials(now)
	m.prune()
	m.fillOutbound()
	m.pursueTargets()
	m.lastHeartbeat = now
	m.metrics.observeCounts(m.Counts())
}

// LastHeartbeat returns when Heartbeat last ran.
func (m *Manager) LastHeartbeat() time.Time { return m.lastHeartbeat }

func (m *Manager) decay() {
	for _, rec := range m.store.List(func(r *Record) bool { return r.State == StateConnected && r.Score != 0 }) {
		_, _ = m.store.Update(rec.ID, func(r *Record) error {
			r.Score -= r.Score * m.cfg.DecayFraction
			if math.Abs(r.Score) < 0.01 {
				r.Score = 0
			}
			return nil
		})
	}
}

func (m *Manager) expireBans(now time.Time) {
	for _, rec := range m.store.List(func(r *Record) bool { return r.Banned() && !now.Before(r.BannedUntil) }) {
		_ = m.Unban(rec.ID)
	}
}

// expireDials returns dials the transport never resolved to the pool.
func (m *Manager) expireDials(now time.Time) {
	stale := func(r *Record) bool {
		return r.State == StateDialing && now.Sub(r.LastSeen) >= m.cfg.DialFailureTTL
	}
	for _, rec := range m.store.List(stale) {
		m.OnDialFailed(rec.ID, errors.New("dial did not resolve"))
	}
}

// prune disconnects the worst peers above the combined target, never taking
// outbound below its own target.
func (m *Manager) prune() {
	connected := m.store.List(func(r *Record) bool { return r.State == StateConnected })
	excess := len(connected) - (m.cfg.TargetInbound + m.cfg.TargetOutbound)
	outbound := m.store.ConnectedCount(network.DirOutbound)
	for excess > 0 {
		protectOutbound := outbound <= m.cfg.TargetOutbound
		idx := victimIndex(connected, protectOutbound)
		if idx < 0 {
			return
		}
		victim := connected[idx]
		connected = append(connected[:idx], connected[idx+1:]...)
		if err := m.Disconnect(victim.ID, ReasonTooManyPeers); err != nil {
			continue
		}
		if victim.Direction == network.DirOutbound {
			outbound--
		}
		excess--
	}
}

// victimIndex picks the lowest scored peer, then the one seen least
// recently, preferring inbound peers on a tie.
func victimIndex(records []*Record, protectOutbound bool) int {
	idx := -1
	for i, rec := range records {
		if protectOutbound && rec.Direction == network.DirOutbound {
			continue
		}
		if idx == -1 {
			idx = i
			continue
		}
		best := records[idx]
		if rec.Score < best.Score {
			idx = i
			continue
		}
		if rec.Score == best.Score {
			if rec.LastSeen.Before(best.LastSeen) {
				idx = i
				continue
			}
			if rec.LastSeen.Equal(best.LastSeen) && rec.Direction == network.DirInbound && best.Direction != network.DirInbound {
				idx = i
			}
		}
	}
	return idx
}

func (m *Manager) fillOutbound() {
	need := m.cfg.TargetOutbound - m.outboundInUse()
	if need <= 0 {
		return
	}
	dialed := m.dialCandidates(Requirement{}, min(need, m.cfg.MaxDialsPerHeartbeat))
	if short := need - dialed; short > 0 {
		m.findPeers(Requirement{}, short)
	}
}

// outboundInUse counts connected outbound peers plus dials in flight.
func (m *Manager) outboundInUse() int {
	dialing := m.store.Count(func(r *Record) bool { return r.State == StateDialing })
	return m.store.ConnectedCount(network.DirOutbound) + dialing
}

// pursueTargets dials known matches for targeted requirements that are still
// short, spending outbound slots up to MaxOutbound.
func (m *Manager) pursueTargets() {
	for key, req := range m.wanted {
		connected := m.store.Count(func(r *Record) bool { return r.State == StateConnected && req.Matches(r) })
		if connected >= req.Min {
			delete(m.wanted, key)
			continue
		}
		dialing := m.store.Count(func(r *Record) bool { return r.State == StateDialing && req.Matches(r) })
		m.dialCandidates(req, min(req.Min-connected-dialing, m.cfg.MaxOutbound-m.outboundInUse()))
	}
}

// dialCandidates dials up to limit known, disconnected peers matching req,
// best score first and most recently seen on a tie.
func (m *Manager) dialCandidates(req Requirement, limit int) int {
	if limit <= 0 {
		return 0
	}
	candidates := m.store.List(func(r *Record) bool {
		return r.State == StateDisconnected && len(r.Addrs) > 0 && req.Matches(r)
	})
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].LastSeen.After(candidates[j].LastSeen)
		}
		return candidates[i].Score > candidates[j].Score
	})
	now := m.now()
	dialed := 0
	for _, rec := range candidates {
		if dialed >= limit {
			break
		}
		if m.failed.Contains(rec.ID) {
			continue
		}
		committed, err := m.store.Update(rec.ID, func(r *Record) error {
			if r.State != StateDisconnected {
				return ErrInvalidTransition
			}
			r.State = StateDialing
			r.LastSeen = now
			return nil
		})
		if err != nil {
			continue
		}
		m.cmd.Dial(rec.ID, committed.Addrs)
		m.metrics.recordDial("attempt")
		dialed++
	}
	return dialed
}

func (m *Manager) findPeers(req Requirement, count int) {
	m.cmd.FindPeers(req, count)
	m.metrics.recordDiscovery(req.Targeted())
	m.logger.Debug("Requesting peers from discovery",
		slog.String("requirement", req.String()),
		slog.Int("count", count))
}

// EnsurePeers checks whether enough connected peers satisfy req. On a
// shortfall it dials matching known peers and asks discovery for the rest,
// targeted at req. Targeted shortfalls stay on record so later hits are
// dialed by the heartbeat, beyond the outbound target if slots allow. It
// returns the shortfall found.
func (m *Manager) EnsurePeers(req Requirement) int {
	have := m.store.Count(func(r *Record) bool { return r.State == StateConnected && req.Matches(r) })
	deficit := req.Min - have
	if deficit <= 0 {
		delete(m.wanted, req.String())
		return 0
	}
	if req.Targeted() {
		m.wanted[req.String()] = req
	}
	dialing := m.store.Count(func(r *Record) bool { return r.State == StateDialing && req.Matches(r) })
	need := deficit - dialing
	dialed := m.dialCandidates(req, min(need, m.cfg.MaxOutbound-m.outboundInUse()))
	if short := need - dialed; short > 0 {
		m.findPeers(req, short)
	}
	return deficit
}

// Counts returns a census of the store.
func (m *Manager) Counts() Counts {
	var c Counts
	for _, rec := range m.store.List(nil) {
		switch rec.Direction {
		case network.DirInbound:
			c.Inbound[rec.State]++
		case network.DirOutbound:
			c.Outbound[rec.State]++
		default:
			c.Unknown[rec.State]++
		}
	}
	return c
}

func (m *Manager) setDisconnected(id peer.ID) {
	_, _ = m.store.Update(id, func(r *Record) error {
		if r.State == StateDialing {
			r.State = StateDisconnected
		}
		return nil
	})
}

// evictStale drops the least recently seen disconnected record to make room.
func (m *Manager) evictStale() bool {
	var oldest *Record
	for _, rec := range m.store.List(func(r *Record) bool { return r.State == StateDisconnected }) {
		if oldest == nil || rec.LastSeen.Before(oldest.LastSeen) {
			oldest = rec
		}
	}
	if oldest == nil {
		return false
	}
	return m.store.Remove(oldest.ID)
}
