package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"beaconnet/p2p/ratelimit"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *engineMetrics
)

type engineMetrics struct {
	requests     *prometheus.CounterVec
	streamErrors *prometheus.CounterVec
	admission    *prometheus.CounterVec
	openStreams  prometheus.Gauge
	latency      *prometheus.HistogramVec

	requestCounter   metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newEngineMetrics() *engineMetrics {
	metricsInitOnce.Do(func() {
		m := &engineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_rpc_requests_total",
				Help: "Outbound RPC requests by protocol and outcome.",
			}, []string{"protocol", "outcome"}),
			streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_rpc_stream_errors_total",
				Help: "RPC stream failures by protocol and error kind.",
			}, []string{"protocol", "kind"}),
			admission: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "beaconnet_rpc_inbound_admission_total",
				Help: "Inbound stream admission decisions by rate-limit class.",
			}, []string{"class", "result"}),
			openStreams: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "beaconnet_rpc_open_streams",
				Help: "Streams currently attached to the RPC engine.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "beaconnet_rpc_request_duration_seconds",
				Help:    "Time from request registration to its terminal event.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			}, []string{"protocol"}),
		}
		prometheus.MustRegister(m.requests, m.streamErrors, m.admission, m.openStreams, m.latency)
		m.initMeter()
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *engineMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("beaconnet/p2p/rpc")
	counter, err := meter.Int64Counter("beaconnet.rpc.requests")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("beaconnet/p2p/rpc")
		counter, _ = meter.Int64Counter("beaconnet.rpc.requests")
	}
	latency, err := meter.Float64Histogram("beaconnet.rpc.latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("beaconnet/p2p/rpc")
		latency, _ = fallback.Float64Histogram("beaconnet.rpc.latency_ms")
	}
	m.requestCounter = counter
	m.latencyHistogram = latency
}

func (m *engineMetrics) recordRequest(p Protocol, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(p.String(), outcome).Inc()
	if m.requestCounter != nil {
		m.requestCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("protocol", p.String()),
			attribute.String("outcome", outcome),
		))
	}
}

func (m *engineMetrics) observeLatency(p Protocol, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.latency.WithLabelValues(p.String()).Observe(d.Seconds())
	if m.latencyHistogram != nil {
		m.latencyHistogram.Record(context.Background(), float64(d.Milliseconds()),
			metric.WithAttributes(attribute.String("protocol", p.String())))
	}
}

func (m *engineMetrics) recordStreamError(p Protocol, kind ErrorKind) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(p.String(), kind.String()).Inc()
}

func (m *engineMetrics) recordAdmission(class ratelimit.Class, result string) {
	if m == nil {
		return
	}
	m.admission.WithLabelValues(string(class), result).Inc()
}

func (m *engineMetrics) streamOpened() {
	if m != nil {
		m.openStreams.Inc()
	}
}

func (m *engineMetrics) streamClosed() {
	if m != nil {
		m.openStreams.Dec()
	}
}
