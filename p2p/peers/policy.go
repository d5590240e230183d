package peers

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultTargetInbound        = 32
	defaultMaxInbound           = 48
	defaultTargetOutbound       = 16
	defaultMaxOutbound          = 24
	defaultMinScore             = -100.0
	defaultMaxScore             = 100.0
	defaultDisconnectThreshold  = -20.0
	defaultBanThreshold         = -50.0
	defaultMildPenalty          = -2.0
	defaultModeratePenalty      = -10.0
	defaultSeverePenalty        = -20.0
	defaultGossipRejectPenalty  = -5.0
	defaultGossipScoreWeight    = 0.05
	defaultDecayFraction        = 0.1
	defaultBanDuration          = 15 * time.Minute
	defaultEventLogSize         = 32
	defaultDialFailureTTL       = time.Minute
	defaultDialCacheSize        = 1024
	defaultMaxDialsPerHeartbeat = 8
	defaultMaxKnownPeers        = 2048
)

var (
	ErrPeerBanned        = errors.New("peers: peer is banned")
	ErrTooManyPeers      = errors.New("peers: connection limit reached")
	ErrUnknownPeer       = errors.New("peers: unknown peer")
	ErrBanActive         = errors.New("peers: ban has not expired")
	ErrNotBanned         = errors.New("peers: peer is not banned")
	ErrInvalidTransition = errors.New("peers: invalid state transition")
)

// Action is the severity of a reported misbehaviour.
type Action uint8

const (
	// ActionMild covers weak evidence such as timeouts.
	ActionMild Action = iota + 1
	// ActionModerate covers abuse such as exceeding rate limits.
	ActionModerate
	// ActionSevere covers protocol violations such as malformed frames.
	ActionSevere
	// ActionFatal drops the score to the minimum and bans the peer at once.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionMild:
		return "mild"
	case ActionModerate:
		return "moderate"
	case ActionSevere:
		return "severe"
	case ActionFatal:
		return "fatal"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// DisconnectReason is the goodbye code sent to a peer before disconnecting.
type DisconnectReason uint64

const (
	ReasonClientShutdown    DisconnectReason = 1
	ReasonIrrelevantNetwork DisconnectReason = 2
	ReasonFault             DisconnectReason = 3
	ReasonTooManyPeers      DisconnectReason = 129
	ReasonBadScore          DisconnectReason = 250
	ReasonBanned            DisconnectReason = 251
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClientShutdown:
		return "client_shutdown"
	case ReasonIrrelevantNetwork:
		return "irrelevant_network"
	case ReasonFault:
		return "fault"
	case ReasonTooManyPeers:
		return "too_many_peers"
	case ReasonBadScore:
		return "bad_score"
	case ReasonBanned:
		return "banned"
	default:
		return fmt.Sprintf("reason(%d)", uint64(r))
	}
}

// Config captures peer-count and scoring policy. Zero values select defaults.
type Config struct {
	TargetInbound  int
	MaxInbound     int
	TargetOutbound int
	MaxOutbound    int

	MinScore            float64
	MaxScore            float64
	DisconnectThreshold float64
	BanThreshold        float64

	// Penalties are negative score deltas per Action severity.
	MildPenalty         float64
	ModeratePenalty     float64
	SeverePenalty       float64
	GossipRejectPenalty float64
	// GossipScoreWeight scales negative gossip score hints into the
	// effective score.
	GossipScoreWeight float64

	// DecayFraction is the share of a connected peer's score removed on
	// every heartbeat, moving it toward zero.
	DecayFraction float64
	BanDuration   time.Duration
	EventLogSize  int

	DialFailureTTL       time.Duration
	DialCacheSize        int
	MaxDialsPerHeartbeat int
	MaxKnownPeers        int
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.TargetInbound <= 0 {
		c.TargetInbound = defaultTargetInbound
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = defaultMaxInbound
	}
	if c.MaxInbound < c.TargetInbound {
		c.MaxInbound = c.TargetInbound
	}
	if c.TargetOutbound <= 0 {
		c.TargetOutbound = defaultTargetOutbound
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = defaultMaxOutbound
	}
	if c.MaxOutbound < c.TargetOutbound {
		c.MaxOutbound = c.TargetOutbound
	}
	if c.MinScore == 0 {
		c.MinScore = defaultMinScore
	}
	if c.MaxScore == 0 {
		c.MaxScore = defaultMaxScore
	}
	if c.DisconnectThreshold == 0 {
		c.DisconnectThreshold = defaultDisconnectThreshold
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = defaultBanThreshold
	}
	if c.MildPenalty == 0 {
		c.MildPenalty = defaultMildPenalty
	}
	if c.ModeratePenalty == 0 {
		c.ModeratePenalty = defaultModeratePenalty
	}
	if c.SeverePenalty == 0 {
		c.SeverePenalty = defaultSeverePenalty
	}
	if c.GossipRejectPenalty == 0 {
		c.GossipRejectPenalty = defaultGossipRejectPenalty
	}
	if c.GossipScoreWeight == 0 {
		c.GossipScoreWeight = defaultGossipScoreWeight
	}
	if c.DecayFraction <= 0 || c.DecayFraction > 1 {
		c.DecayFraction = defaultDecayFraction
	}
	if c.BanDuration <= 0 {
		c.BanDuration = defaultBanDuration
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = defaultEventLogSize
	}
	if c.DialFailureTTL <= 0 {
		c.DialFailureTTL = defaultDialFailureTTL
	}
	if c.DialCacheSize <= 0 {
		c.DialCacheSize = defaultDialCacheSize
	}
	if c.MaxDialsPerHeartbeat <= 0 {
		c.MaxDialsPerHeartbeat = defaultMaxDialsPerHeartbeat
	}
	if c.MaxKnownPeers <= 0 {
		c.MaxKnownPeers = defaultMaxKnownPeers
	}
}

// Validate reports policy combinations that cannot work.
func (c Config) Validate() error {
	if c.MinScore >= c.MaxScore {
		return fmt.Errorf("peers: min score %.1f must be below max score %.1f", c.MinScore, c.MaxScore)
	}
	if c.BanThreshold < c.MinScore || c.BanThreshold > c.DisconnectThreshold {
		return fmt.Errorf("peers: ban threshold %.1f must lie between min score and disconnect threshold", c.BanThreshold)
	}
	if c.DisconnectThreshold > 0 {
		return fmt.Errorf("peers: disconnect threshold %.1f must not be positive", c.DisconnectThreshold)
	}
	for name, p := range map[string]float64{
		"mild":          c.MildPenalty,
		"moderate":      c.ModeratePenalty,
		"severe":        c.SeverePenalty,
		"gossip reject": c.GossipRejectPenalty,
	} {
		if p >= 0 {
			return fmt.Errorf("peers: %s penalty %.1f must be negative", name, p)
		}
	}
	return nil
}

func (c Config) penalty(a Action) float64 {
	switch a {
	case ActionMild:
		return c.MildPenalty
	case ActionModerate:
		return c.ModeratePenalty
	case ActionSevere:
		return c.SeverePenalty
	}
	// fatal: enough to reach MinScore from anywhere
	return c.MinScore - c.MaxScore
}
