package p2p

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
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	connections *prometheus.CounterVec
	gossip      *prometheus.CounterVec
	outbox      prometheus.Gauge
	rejected    *prometheus.CounterVec

	connectionCounter metric.Int64Counter
	gossipCounter     metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			connections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_connections_total",
				Help: "Connection lifecycle events by direction and outcome.",
			}, []string{"direction", "result"}),
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_gossip_messages_total",
				Help: "Gossip messages by direction and outcome.",
			}, []string{"direction", "result"}),
			outbox: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "beaconnet_network_event_backlog",
				Help: "Events waiting to be consumed by the application.",
			}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_inbound_streams_rejected_total",
				Help: "Inbound streams refused before reaching the RPC engine.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(nm.connections, nm.gossip, nm.outbox, nm.rejected)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("beaconnet/p2p")
	counter, err := meter.Int64Counter("beaconnet.p2p.connections")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("beaconnet/p2p")
		counter, _ = meter.Int64Counter("beaconnet.p2p.connections")
	}
	gossipCounter, err := meter.Int64Counter("beaconnet.p2p.gossip")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("beaconnet/p2p")
		gossipCounter, _ = fallback.Int64Counter("beaconnet.p2p.gossip")
	}
	m.connectionCounter = counter
	m.gossipCounter = gossipCounter
}

func (m *networkMetrics) recordConnection(direction, result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(direction, result).Inc()
	if m.connectionCounter != nil {
		m.connectionCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("result", result),
		))
	}
}

func (m *networkMetrics) recordGossip(direction, result string) {
	if m == nil {
		return
	}
	m.gossip.WithLabelValues(direction, result).Inc()
	if m.gossipCounter != nil {
		m.gossipCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("result", result),
		))
	}
}

func (m *networkMetrics) recordRejectedStream(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *networkMetrics) setBacklog(n int) {
	if m == nil {
		return
	}
	m.outbox.Set(float64(n))
}
