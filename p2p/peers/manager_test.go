package peers

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type command struct {
	op     string
	id     peer.ID
	reason DisconnectReason
	req    Requirement
	count  int
}

type recordingCommander struct {
	mu   sync.Mutex
	cmds []command
}

func (c *recordingCommander) Dial(id peer.ID, _ []ma.Multiaddr) { c.add(command{op: "dial", id: id}) }
func (c *recordingCommander) Disconnect(id peer.ID, reason DisconnectReason) {
	c.add(command{op: "disconnect", id: id, reason: reason})
}
func (c *recordingCommander) CloseStreams(id peer.ID) { c.add(command{op: "close_streams", id: id}) }
func (c *recordingCommander) FindPeers(req Requirement, count int) {
	c.add(command{op: "find_peers", req: req, count: count})
}

func (c *recordingCommander) add(cmd command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, cmd)
}

func (c *recordingCommander) ops(op string) []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []command
	for _, cmd := range c.cmds {
		if cmd.op == op {
			out = append(out, cmd)
		}
	}
	return out
}

func (c *recordingCommander) sequence(id peer.ID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cmd := range c.cmds {
		if cmd.id == id {
			out = append(out, cmd.op)
		}
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *recordingCommander, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	cmd := &recordingCommander{}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	m, err := NewManager(cfg, nil, cmd, opts...)
	require.NoError(t, err)
	return m, cmd, clk
}

func testAddr(t *testing.T) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/9000")
	require.NoError(t, err)
	return addr
}

func connect(t *testing.T, m *Manager, dir network.Direction) peer.ID {
	t.Helper()
	id := test.RandPeerIDFatal(t)
	require.NoError(t, m.OnConnectionEstablished(id, dir, testAddr(t)))
	return id
}

func setScore(t *testing.T, m *Manager, id peer.ID, score float64) {
	t.Helper()
	_, err := m.Store().Update(id, func(r *Record) error {
		r.Score = score
		return nil
	})
	require.NoError(t, err)
}

func TestScoreStaysWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	store := NewStore(cfg, nil)
	id := test.RandPeerIDFatal(t)
	store.Upsert(id, nil)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		delta := (rng.Float64() - 0.5) * 400
		score, err := store.ApplyScoreDelta(id, delta, "fuzz")
		require.NoError(t, err)
		require.GreaterOrEqual(t, score, cfg.MinScore)
		require.LessOrEqual(t, score, cfg.MaxScore)
	}
	rec, ok := store.Get(id)
	require.True(t, ok)
	require.Len(t, rec.Events, cfg.EventLogSize)
}

func TestReputationLogEvictsOldest(t *testing.T) {
	cfg := Config{EventLogSize: 3}
	store := NewStore(cfg, nil)
	id := test.RandPeerIDFatal(t)
	store.Upsert(id, nil)

	for _, reason := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.ApplyScoreDelta(id, -1, reason)
		require.NoError(t, err)
	}
	rec, _ := store.Get(id)
	require.Len(t, rec.Events, 3)
	require.Equal(t, "c", rec.Events[0].Reason)
	require.Equal(t, "e", rec.Events[2].Reason)
	require.Equal(t, -5.0, rec.Events[2].Score)
}

func TestApplyScoreDeltaUnknownPeer(t *testing.T) {
	store := NewStore(DefaultConfig(), nil)
	_, err := store.ApplyScoreDelta(test.RandPeerIDFatal(t), -1, "x")
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestStoreUpdateFailureCommitsNothing(t *testing.T) {
	store := NewStore(DefaultConfig(), nil)
	id := test.RandPeerIDFatal(t)
	store.Upsert(id, func(r *Record) { r.Score = 5 })

	boom := errors.New("boom")
	_, err := store.Update(id, func(r *Record) error {
		r.Score = -40
		r.State = StateConnected
		return boom
	})
	require.ErrorIs(t, err, boom)
	rec, _ := store.Get(id)
	require.Equal(t, 5.0, rec.Score)
	require.Equal(t, StateDisconnected, rec.State)
	require.Zero(t, store.ConnectedCount(network.DirInbound))
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewStore(DefaultConfig(), nil)
	id := test.RandPeerIDFatal(t)
	store.Upsert(id, func(r *Record) { r.Subnets.Add(Subnet{Kind: AttestationSubnet, Index: 3}) })

	rec, _ := store.Get(id)
	rec.Subnets.Add(Subnet{Kind: AttestationSubnet, Index: 4})
	rec.Score = 99

	again, _ := store.Get(id)
	require.Equal(t, 1, again.Subnets.Cardinality())
	require.Zero(t, again.Score)
}

func TestSevereViolationCrossingBanThresholdBansSynchronously(t *testing.T) {
	m, cmd, _ := newTestManager(t, Config{})
	id := connect(t, m, network.DirOutbound)
	setScore(t, m, id, -40)
	bans := testutil.ToFloat64(m.metrics.bans)
	severe := testutil.ToFloat64(m.metrics.penalties.WithLabelValues(ActionSevere.String()))

	m.ReportPeer(id, ActionSevere, "rpc_status_invalid_framing")
	require.Equal(t, bans+1, testutil.ToFloat64(m.metrics.bans))
	require.Equal(t, severe+1, testutil.ToFloat64(m.metrics.penalties.WithLabelValues(ActionSevere.String())))

	rec, ok := m.Store().Get(id)
	require.True(t, ok)
	require.Equal(t, StateBanned, rec.State)
	require.Equal(t, -60.0, rec.Score)
	require.True(t, m.IsBanned(id))
	require.Equal(t, []string{"close_streams", "disconnect"}, cmd.sequence(id))
	require.Equal(t, ReasonBanned, cmd.ops("disconnect")[0].reason)
	require.Zero(t, m.Store().ConnectedCount(network.DirOutbound))
}

func TestSeverePenaltyAboveBanThresholdDisconnects(t *testing.T) {
	m, cmd, _ := newTestManager(t, Config{})
	id := connect(t, m, network.DirInbound)

	m.ReportPeer(id, ActionSevere, "rpc_ping_invalid_framing")

	rec, _ := m.Store().Get(id)
	require.Equal(t, -20.0, rec.Score)
	require.Equal(t, StateDisconnecting, rec.State)
	require.Equal(t, []string{"disconnect"}, cmd.sequence(id))
	require.Equal(t, ReasonBadScore, cmd.ops("disconnect")[0].reason)
}

func TestFatalActionBans(t *testing.T) {
	m, cmd, _ := newTestManager(t, Config{})
	id := connect(t, m, network.DirInbound)

	setScore(t, m, id, 20)
	m.ReportPeer(id, ActionFatal, "invalid_block")

	require.True(t, m.IsBanned(id))
	require.Equal(t, []string{"close_streams", "disconnect"}, cmd.sequence(id))
	rec, ok := m.Store().Get(id)
	require.True(t, ok)
	require.Equal(t, m.Config().MinScore, rec.Score)
	require.Equal(t, "invalid_block", rec.Events[len(rec.Events)-1].Reason)
}

func TestPenaltyForUnknownPeerIsIgnored(t *testing.T) {
	m, cmd, _ := newTestManager(t, Config{})
	id := test.RandPeerIDFatal(t)
	m.ReportPeer(id, ActionSevere, "late")
	require.False(t, m.Store().Has(id))
	require.Empty(t, cmd.sequence(id))
}

func TestInboundAtCapacityCreatesNoRecord(t *testing.T) {
	m, _, _ := newTestManager(t, Config{TargetInbound: 1, MaxInbound: 1})
	connect(t, m, network.DirInbound)

	late := test.RandPeerIDFatal(t)
	require.ErrorIs(t, m.AllowInbound(late), ErrTooManyPeers)
	require.ErrorIs(t, m.OnConnectionEstablished(late, network.DirInbound, testAddr(t)), ErrTooManyPeers)
	require.False(t, m.Store().Has(late))
	require.Equal(t, 1, m.Store().ConnectedCount(network.DirInbound))
}

func TestBannedPeerCannotConnect(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	id := test.RandPeerIDFatal(t)
	m.Ban(id, "manual")

	require.ErrorIs(t, m.AllowInbound(id), ErrPeerBanned)
	require.ErrorIs(t, m.OnConnectionEstablished(id, network.DirInbound, testAddr(t)), ErrPeerBanned)
	rec, _ := m.Store().Get(id)
	require.Equal(t, StateBanned, rec.State)
}

func TestUnbanIsTimeGated(t *testing.T) {
	m, _, clk := newTestManager(t, Config{BanDuration: time.Minute})
	id := connect(t, m, network.DirInbound)
	m.Ban(id, "manual")

	require.ErrorIs(t, m.Unban(id), ErrBanActive)
	m.OnConnectionClosed(id)
	rec, _ := m.Store().Get(id)
	require.Equal(t, StateBanned, rec.State)

	clk.advance(time.Minute)
	require.NoError(t, m.Unban(id))
	require.False(t, m.Store().Has(id))
	require.ErrorIs(t, m.Unban(id), ErrUnknownPeer)
}

func TestDisconnectInvalidTransitionIsNoop(t *testing.T) {
	m, cmd, _ := newTestManager(t, Config{})
	id := test.RandPeerIDFatal(t)
	require.ErrorIs(t, m.Disconnect(id, ReasonFault), ErrUnknownPeer)

	m.OnPeerDiscovered(id, []ma.Multiaddr{testAddr(t)}, Requirement{})
	require.ErrorIs(t, m.Disconnect(id, ReasonFault), ErrInvalidTransition)
	require.Empty(t, cmd.ops("disconnect"))
}

func TestConnectionLifecycleCounters(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	in := connect(t, m, network.DirInbound)
	out := connect(t, m, network.DirOutbound)
	require.Equal(t, 1, m.Store().ConnectedCount(network.DirInbound))
	require.Equal(t, 1, m.Store().ConnectedCount(network.DirOutbound))

	require.NoError(t, m.Disconnect(in, ReasonClientShutdown))
	require.Equal(t, 1, m.Store().ConnectedCount(network.DirInbound))
	m.OnConnectionClosed(in)
	m.OnConnectionClosed(out)
	m.OnConnectionClosed(out)
	require.Zero(t, m.Store().ConnectedCount(network.DirInbound))
	require.Zero(t, m.Store().ConnectedCount(network.DirOutbound))

	c := m.Counts()
	require.Equal(t, 1, c.Inbound[StateDisconnected])
	require.Equal(t, 1, c.Outbound[StateDisconnected])
}

func TestHeartbeatDecaysConnectedScores(t *testing.T) {
	m, _, clk := newTestManager(t, Config{DecayFraction: 0.5})
	connected := connect(t, m, network.DirInbound)
	idle := test.RandPeerIDFatal(t)
	m.OnPeerDiscovered(idle, nil, Requirement{})
	setScore(t, m, connected, -10)
	setScore(t, m, idle, -10)

	m.Heartbeat(clk.now())
	rec, _ := m.Store().Get(connected)
	require.Equal(t, -5.0, rec.Score)
	rec, _ = m.Store().Get(idle)
	require.Equal(t, -10.0, rec.Score)
	require.Equal(t, clk.now(), m.LastHeartbeat())
}

func TestHeartbeatPurgesExpiredBans(t *testing.T) {
	m, _, clk := newTestManager(t, Config{BanDuration: time.Minute})
	id := test.RandPeerIDFatal(t)
	m.Ban(id, "manual")

	m.Heartbeat(clk.now())
	require.True(t, m.IsBanned(id))

	clk.advance(2 * time.Minute)
	m.Heartbeat(clk.now())
	require.False(t, m.Store().Has(id))
}

func TestHeartbeatPrunesWorstPeerAboveTarget(t *testing.T) {
	m, cmd, clk := newTestManager(t, Config{TargetInbound: 1, MaxInbound: 4, TargetOutbound: 1, MaxOutbound: 2})
	good := connect(t, m, network.DirInbound)
	bad := connect(t, m, network.DirInbound)
	out := connect(t, m, network.DirOutbound)
	setScore(t, m, good, 5)
	setScore(t, m, bad, -5)
	setScore(t, m, out, -15)

	m.Heartbeat(clk.now())

	disconnects := cmd.ops("disconnect")
	require.Len(t, disconnects, 1)
	require.Equal(t, bad, disconnects[0].id)
	require.Equal(t, ReasonTooManyPeers, disconnects[0].reason)
}

func TestVictimIndexPrefersInboundOnTie(t *testing.T) {
	seen := time.Unix(10, 0)
	records := []*Record{
		{ID: "a", Score: 0, LastSeen: seen, Direction: network.DirOutbound},
		{ID: "b", Score: 0, LastSeen: seen, Direction: network.DirInbound},
		{ID: "c", Score: 0, LastSeen: seen.Add(time.Second), Direction: network.DirInbound},
	}
	require.Equal(t, 1, victimIndex(records, false))
	records[2].LastSeen = seen.Add(-time.Second)
	require.Equal(t, 2, victimIndex(records, false))
	require.Equal(t, -1, victimIndex(records[:1], true))
}

func TestHeartbeatDialsBestCandidatesSkippingFailures(t *testing.T) {
	m, cmd, clk := newTestManager(t, Config{TargetOutbound: 2, MaxOutbound: 4})
	ids := make([]peer.ID, 4)
	for i := range ids {
		ids[i] = test.RandPeerIDFatal(t)
		m.OnPeerDiscovered(ids[i], []ma.Multiaddr{testAddr(t)}, Requirement{})
		setScore(t, m, ids[i], float64(10-i))
	}
	m.OnDialFailed(ids[0], errors.New("refused"))

	m.Heartbeat(clk.now())

	dials := cmd.ops("dial")
	require.Len(t, dials, 2)
	require.Equal(t, ids[1], dials[0].id)
	require.Equal(t, ids[2], dials[1].id)
	require.Empty(t, cmd.ops("find_peers"))

	rec, _ := m.Store().Get(ids[1])
	require.Equal(t, StateDialing, rec.State)

	// dials in flight count toward the target
	m.Heartbeat(clk.now())
	require.Len(t, cmd.ops("dial"), 2)
}

func TestHeartbeatAsksDiscoveryWhenShort(t *testing.T) {
	m, cmd, clk := newTestManager(t, Config{TargetOutbound: 3, MaxOutbound: 4})
	m.Heartbeat(clk.now())

	finds := cmd.ops("find_peers")
	require.Len(t, finds, 1)
	require.Equal(t, 3, finds[0].count)
	require.False(t, finds[0].req.Targeted())
}

func TestUnresolvedDialReturnsToPool(t *testing.T) {
	m, _, clk := newTestManager(t, Config{TargetOutbound: 1, MaxOutbound: 1, DialFailureTTL: time.Minute})
	id := test.RandPeerIDFatal(t)
	m.OnPeerDiscovered(id, []ma.Multiaddr{testAddr(t)}, Requirement{})
	m.Heartbeat(clk.now())

	clk.advance(time.Minute)
	m.Heartbeat(clk.now())
	rec, _ := m.Store().Get(id)
	require.Equal(t, StateDisconnected, rec.State)
	require.Equal(t, 1, rec.DialFailures)
}

func TestEnsurePeersIssuesTargetedDiscovery(t *testing.T) {
	m, cmd, _ := newTestManager(t, Config{})
	subnet := Subnet{Kind: AttestationSubnet, Index: 5}
	id := connect(t, m, network.DirOutbound)
	require.True(t, m.OnMetadata(id, 1, []Subnet{subnet}))

	req := SubnetRequirement(subnet, 3)
	require.Equal(t, 2, m.EnsurePeers(req))

	finds := cmd.ops("find_peers")
	require.Len(t, finds, 1)
	require.Equal(t, 2, finds[0].count)
	require.True(t, finds[0].req.Targeted())
	require.Equal(t, "attnet/5", finds[0].req.String())

	require.Zero(t, m.EnsurePeers(SubnetRequirement(subnet, 1)))
}

func TestEnsurePeersDialsKnownMatches(t *testing.T) {
	m, cmd, _ := newTestManager(t, Config{})
	subnet := Subnet{Kind: SyncCommitteeSubnet, Index: 1}
	req := SubnetRequirement(subnet, 1)
	known := test.RandPeerIDFatal(t)
	m.OnPeerDiscovered(known, []ma.Multiaddr{testAddr(t)}, req)

	require.Equal(t, 1, m.EnsurePeers(req))
	dials := cmd.ops("dial")
	require.Len(t, dials, 1)
	require.Equal(t, known, dials[0].id)
	require.Empty(t, cmd.ops("find_peers"))
}

func TestTargetedDiscoveryUsesSpareOutboundSlots(t *testing.T) {
	m, cmd, clk := newTestManager(t, Config{TargetOutbound: 1, MaxOutbound: 4})
	connect(t, m, network.DirOutbound)
	req := SubnetRequirement(Subnet{Kind: AttestationSubnet, Index: 7}, 1)

	require.Equal(t, 1, m.EnsurePeers(req))
	require.Len(t, cmd.ops("find_peers"), 1)
	require.Empty(t, cmd.ops("dial"))

	hit := test.RandPeerIDFatal(t)
	m.OnPeerDiscovered(hit, []ma.Multiaddr{testAddr(t)}, req)
	// an untargeted hit does not qualify
	other := test.RandPeerIDFatal(t)
	m.OnPeerDiscovered(other, []ma.Multiaddr{testAddr(t)}, Requirement{})

	m.Heartbeat(clk.now())
	dials := cmd.ops("dial")
	require.Len(t, dials, 1)
	require.Equal(t, hit, dials[0].id)

	// the dial in flight covers the shortfall
	require.Equal(t, 1, m.EnsurePeers(req))
	require.Len(t, cmd.ops("find_peers"), 1)
	require.Len(t, cmd.ops("dial"), 1)

	require.NoError(t, m.OnConnectionEstablished(hit, network.DirOutbound, testAddr(t)))
	require.Zero(t, m.EnsurePeers(req))
	m.Heartbeat(clk.now())
	require.Len(t, cmd.ops("dial"), 1)
}

func TestTargetedDialsStopAtMaxOutbound(t *testing.T) {
	m, cmd, clk := newTestManager(t, Config{TargetOutbound: 1, MaxOutbound: 2})
	connect(t, m, network.DirOutbound)
	req := SubnetRequirement(Subnet{Kind: AttestationSubnet, Index: 3}, 3)
	m.EnsurePeers(req)
	for i := 0; i < 3; i++ {
		m.OnPeerDiscovered(test.RandPeerIDFatal(t), []ma.Multiaddr{testAddr(t)}, req)
	}

	m.Heartbeat(clk.now())
	require.Len(t, cmd.ops("dial"), 1)
}

func TestStaleMetadataIgnored(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	id := connect(t, m, network.DirInbound)
	require.True(t, m.OnMetadata(id, 4, []Subnet{{Kind: AttestationSubnet, Index: 1}}))
	require.False(t, m.OnMetadata(id, 3, nil))

	rec, _ := m.Store().Get(id)
	require.Equal(t, uint64(4), rec.MetadataSeq)
	require.Equal(t, 1, rec.Subnets.Cardinality())
}

func TestNegativeGossipScoreCanBan(t *testing.T) {
	m, cmd, _ := newTestManager(t, Config{GossipScoreWeight: 1})
	id := connect(t, m, network.DirInbound)

	m.OnGossipScoreHint(id, 10)
	require.False(t, m.IsBanned(id))

	m.OnGossipScoreHint(id, -60)
	require.True(t, m.IsBanned(id))
	require.Equal(t, []string{"close_streams", "disconnect"}, cmd.sequence(id))
}

func TestGossipRejectionPenalizes(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	id := connect(t, m, network.DirInbound)
	m.ReportGossip(id, "gossip_reject")
	rec, _ := m.Store().Get(id)
	require.Equal(t, -5.0, rec.Score)
	require.Equal(t, "gossip_reject", rec.Events[0].Reason)
}

func TestArchiveRestoresActiveBans(t *testing.T) {
	archive, err := NewMemoryArchive()
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	first, _, clk := newTestManager(t, Config{BanDuration: time.Hour}, WithArchive(archive))
	active := test.RandPeerIDFatal(t)
	first.Ban(active, "manual")

	expired := test.RandPeerIDFatal(t)
	require.NoError(t, archive.Put(BanEntry{ID: expired.String(), Until: clk.now().Add(-time.Second), Reason: "old"}))

	second, _, _ := newTestManager(t, Config{BanDuration: time.Hour}, WithArchive(archive))
	restored, err := second.Restore()
	require.NoError(t, err)
	require.Equal(t, 1, restored)
	require.True(t, second.IsBanned(active))
	require.False(t, second.Store().Has(expired))

	entries, err := archive.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, active.String(), entries[0].ID)
	require.Equal(t, "manual", entries[0].Reason)
}

func TestArchiveOnDisk(t *testing.T) {
	dir := t.TempDir()
	archive, err := OpenArchive(dir)
	require.NoError(t, err)
	id := test.RandPeerIDFatal(t)
	require.NoError(t, archive.Put(BanEntry{ID: id.String(), Until: time.Unix(2_000_000_000, 0).UTC(), Reason: "spam"}))
	require.NoError(t, archive.Close())

	reopened, err := OpenArchive(dir)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, reopened.Delete(id))
	entries, err = reopened.Load()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.BanThreshold = -10
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MildPenalty = 1
	require.Error(t, bad.Validate())

	_, err := NewManager(Config{BanThreshold: 5}, nil, &recordingCommander{})
	require.Error(t, err)
}
