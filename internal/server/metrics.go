package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeSessions  prometheus.Gauge
	sessionTotal    prometheus.Counter
	framesRouted    *prometheus.CounterVec
	routeErrors     *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	droppedSends    prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_sessions_active",
			Help: "Current number of active chat sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_sessions_total",
			Help: "Total number of sessions handled since start.",
		}),
		framesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_frames_routed_total",
			Help: "Inbound frames dispatched, grouped by envelope kind.",
		}, []string{"kind"}),
		routeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_route_errors_total",
			Help: "Frame validation or routing errors, grouped by code.",
		}, []string{"code"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_dispatch_latency_seconds",
			Help:    "Latency for dispatching inbound envelopes.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"kind"}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_sends_dropped_total",
			Help: "Fan-out deliveries dropped because the recipient was gone or backlogged.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.framesRouted,
		m.routeErrors,
		m.dispatchLatency,
		m.droppedSends,
	)
	return m
}

func (m *relayMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *relayMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *relayMetrics) recordFrame(kind string) {
	if m == nil {
		return
	}
	m.framesRouted.WithLabelValues(kind).Inc()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.routeErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeDispatch(kind string, dur time.Duration) {
	if m == nil || kind == "" {
		return
	}
	m.dispatchLatency.WithLabelValues(kind).Observe(dur.Seconds())
}

func (m *relayMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.droppedSends.Inc()
}
