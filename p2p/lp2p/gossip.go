package lp2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"beaconnet/p2p"
)

const defaultInspectInterval = 10 * time.Second

var errNotAttached = errors.New("lp2p: adapter not attached")

// GossipSink receives gossip traffic and gossip score observations.
type GossipSink interface {
	OnGossipMessage(msg p2p.GossipMessage)
	OnPeerScoreHint(id peer.ID, score float64)
}

// GossipConfig tunes the pubsub score plumbing.
type GossipConfig struct {
	// AppScoreWeight scales reputation deltas reported by the network into
	// the app-specific component of the gossip score.
	AppScoreWeight  float64
	InspectInterval time.Duration
}

// Gossip adapts go-libp2p-pubsub. Reputation deltas from the network feed
// the app-specific score; pubsub's own scores flow back as hints.
type Gossip struct {
	cfg    GossipConfig
	logger *slog.Logger

	scoreMu sync.RWMutex
	scores  map[peer.ID]float64

	mu     sync.Mutex
	ctx    context.Context
	ps     *pubsub.PubSub
	self   peer.ID
	sink   GossipSink
	topics map[string]*pubsub.Topic
	subs   map[string]*subscription
}

type subscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// NewGossip returns an unattached adapter. Pass Options to the pubsub
// constructor, then Attach the resulting router.
func NewGossip(cfg GossipConfig) *Gossip {
	if cfg.AppScoreWeight <= 0 {
		cfg.AppScoreWeight = 1
	}
	if cfg.InspectInterval <= 0 {
		cfg.InspectInterval = defaultInspectInterval
	}
	return &Gossip{
		cfg:    cfg,
		logger: slog.Default().With(slog.String("component", "lp2p_gossip")),
		scores: make(map[peer.ID]float64),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*subscription),
	}
}

// Options returns the pubsub options wiring peer scoring to this adapter.
func (g *Gossip) Options() []pubsub.Option {
	return []pubsub.Option{
		pubsub.WithPeerScore(g.scoreParams(), scoreThresholds()),
		pubsub.WithPeerScoreInspect(pubsub.PeerScoreInspectFn(g.inspect), g.cfg.InspectInterval),
	}
}

func (g *Gossip) scoreParams() *pubsub.PeerScoreParams {
	return &pubsub.PeerScoreParams{
		Topics:                      make(map[string]*pubsub.TopicScoreParams),
		AppSpecificScore:            g.appScore,
		AppSpecificWeight:           g.cfg.AppScoreWeight,
		IPColocationFactorWeight:    -10,
		IPColocationFactorThreshold: 10,
		BehaviourPenaltyWeight:      -10,
		BehaviourPenaltyThreshold:   6,
		BehaviourPenaltyDecay:       pubsub.ScoreParameterDecay(time.Hour),
		DecayInterval:               pubsub.DefaultDecayInterval,
		DecayToZero:                 pubsub.DefaultDecayToZero,
		RetainScore:                 time.Hour,
	}
}

func scoreThresholds() *pubsub.PeerScoreThresholds {
	return &pubsub.PeerScoreThresholds{
		GossipThreshold:             -400,
		PublishThreshold:            -800,
		GraylistThreshold:           -1600,
		AcceptPXThreshold:           100,
		OpportunisticGraftThreshold: 5,
	}
}

// Attach binds the pubsub router and the sink. It must happen before the
// network subscribes to anything.
func (g *Gossip) Attach(ctx context.Context, ps *pubsub.PubSub, self peer.ID, sink GossipSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctx = ctx
	g.ps = ps
	g.self = self
	g.sink = sink
}

// Subscribe joins topic and pumps its messages into the sink.
func (g *Gossip) Subscribe(topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ps == nil {
		return errNotAttached
	}
	if _, ok := g.subs[topic]; ok {
		return nil
	}
	t, err := g.joinLocked(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("lp2p: subscribe %s: %w", topic, err)
	}
	ctx, cancel := context.WithCancel(g.ctx)
	g.subs[topic] = &subscription{sub: sub, cancel: cancel}
	go g.pump(ctx, topic, sub, g.sink)
	return nil
}

// Unsubscribe stops delivering topic. The topic handle stays joined so the
// node can still publish to it.
func (g *Gossip) Unsubscribe(topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.subs[topic]
	if !ok {
		return nil
	}
	delete(g.subs, topic)
	s.cancel()
	s.sub.Cancel()
	return nil
}

// Publish sends data on topic, joining it if needed.
func (g *Gossip) Publish(ctx context.Context, topic string, data []byte) error {
	g.mu.Lock()
	if g.ps == nil {
		g.mu.Unlock()
		return errNotAttached
	}
	t, err := g.joinLocked(topic)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// ReportPeerScoreDelta accumulates a reputation change into the peer's
// app-specific gossip score.
func (g *Gossip) ReportPeerScoreDelta(id peer.ID, delta float64) {
	g.scoreMu.Lock()
	defer g.scoreMu.Unlock()
	g.scores[id] += delta
}

// Close cancels every subscription and closes joined topics.
func (g *Gossip) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for topic, s := range g.subs {
		s.cancel()
		s.sub.Cancel()
		delete(g.subs, topic)
	}
	for topic, t := range g.topics {
		if err := t.Close(); err != nil {
			g.logger.Debug("Closing topic failed", slog.String("topic", topic), slog.Any("error", err))
		}
		delete(g.topics, topic)
	}
}

func (g *Gossip) joinLocked(topic string) (*pubsub.Topic, error) {
	if t, ok := g.topics[topic]; ok {
		return t, nil
	}
	t, err := g.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("lp2p: join %s: %w", topic, err)
	}
	g.topics[topic] = t
	return t, nil
}

func (g *Gossip) appScore(id peer.ID) float64 {
	g.scoreMu.RLock()
	defer g.scoreMu.RUnlock()
	return g.scores[id]
}

func (g *Gossip) inspect(scores map[peer.ID]float64) {
	g.mu.Lock()
	sink := g.sink
	g.mu.Unlock()
	if sink == nil {
		return
	}
	for id, score := range scores {
		sink.OnPeerScoreHint(id, score)
	}
}

func (g *Gossip) pump(ctx context.Context, topic string, sub *pubsub.Subscription, sink GossipSink) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("Gossip subscription ended", slog.String("topic", topic), slog.Any("error", err))
			}
			return
		}
		if msg.ReceivedFrom == g.self {
			continue
		}
		sink.OnGossipMessage(p2p.GossipMessage{
			Topic: topic,
			From:  msg.ReceivedFrom,
			ID:    msg.ID,
			Data:  msg.Data,
		})
	}
}
