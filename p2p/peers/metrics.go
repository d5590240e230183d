package peers

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *managerMetrics
)

type managerMetrics struct {
	peers     *prometheus.GaugeVec
	penalties *prometheus.CounterVec
	bans      prometheus.Counter
	discovery *prometheus.CounterVec
	dials     *prometheus.CounterVec

	penaltyCounter metric.Int64Counter
	banCounter     metric.Int64Counter
}

func newManagerMetrics() *managerMetrics {
	metricsInitOnce.Do(func() {
		m := &managerMetrics{
			peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "beaconnet_peers",
				Help: "Known peers by connection state and direction.",
			}, []string{"state", "direction"}),
			penalties: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_peer_penalties_total",
				Help: "Score penalties applied by severity.",
			}, []string{"action"}),
			bans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "beaconnet_peer_bans_total",
				Help: "Peers banned.",
			}),
			discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_discovery_queries_total",
				Help: "Discovery queries issued, generic or targeted.",
			}, []string{"kind"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_peer_dials_total",
				Help: "Outbound dial attempts by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(m.peers, m.penalties, m.bans, m.discovery, m.dials)
		m.initMeter()
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *managerMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("beaconnet/p2p/peers")
	penalties, err := meter.Int64Counter("beaconnet.peers.penalties")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("beaconnet/p2p/peers")
		penalties, _ = meter.Int64Counter("beaconnet.peers.penalties")
	}
	bans, err := meter.Int64Counter("beaconnet.peers.bans")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("beaconnet/p2p/peers")
		bans, _ = fallback.Int64Counter("beaconnet.peers.bans")
	}
	m.penaltyCounter = penalties
	m.banCounter = bans
}

func (m *managerMetrics) recordPenalty(a Action) {
	if m == nil {
		return
	}
	m.penalties.WithLabelValues(a.String()).Inc()
	if m.penaltyCounter != nil {
		m.penaltyCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("action", a.String())))
	}
}

func (m *managerMetrics) recordBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
	if m.banCounter != nil {
		m.banCounter.Add(context.Background(), 1)
	}
}

func (m *managerMetrics) recordDiscovery(targeted bool) {
	if m == nil {
		return
	}
	kind := "generic"
	if targeted {
		kind = "targeted"
	}
	m.discovery.WithLabelValues(kind).Inc()
}

func (m *managerMetrics) recordDial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
}

func (m *managerMetrics) observeCounts(c Counts) {
	if m == nil {
		return
	}
	for _, st := range AllStates() {
		m.peers.WithLabelValues(st.String(), "inbound").Set(float64(c.Inbound[st]))
		m.peers.WithLabelValues(st.String(), "outbound").Set(float64(c.Outbound[st]))
		m.peers.WithLabelValues(st.String(), "unknown").Set(float64(c.Unknown[st]))
	}
}
