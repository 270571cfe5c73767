package app

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dkeye/VoiceCall/internal/app/call"
	"github.com/dkeye/VoiceCall/internal/domain"
)

// Metrics collects call counters on its own registry. A nil *Metrics
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	joins            *prometheus.CounterVec
	leaves           prometheus.Counter
	callDuration     prometheus.Histogram
	uiConnections    prometheus.Gauge
	droppedSnapshots prometheus.Counter
}

// NewMetrics registers the collectors. sessions reports the number of
// live client sessions at scrape time.
func NewMetrics(sessions func() int) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_joins_total",
			Help: "Join attempts by result",
		}, []string{"result"}),
		leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_leaves_total",
			Help: "Calls ended by the client",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecall_call_duration_seconds",
			Help:    "Elapsed call time at leave",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}),
		uiConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicecall_ui_connections",
			Help: "Open call UI websockets",
		}),
		droppedSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_snapshots_dropped_total",
			Help: "Snapshots not delivered to a slow UI connection",
		}),
	}
	m.reg.MustRegister(
		m.joins, m.leaves, m.callDuration, m.uiConnections, m.droppedSnapshots,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "voicecall_sessions",
			Help: "Client sessions held by the registry",
		}, func() float64 { return float64(sessions()) }),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// JoinResult names the outcome of a join for the result label.
func JoinResult(err error) string {
	var (
		connErr *call.ConnectionError
		resErr  *call.ResourceError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return "invalid"
	case errors.Is(err, call.ErrInvalidTransition):
		return "transition"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &resErr):
		return "resource"
	default:
		return "other"
	}
}

func (m *Metrics) ObserveJoin(err error) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(JoinResult(err)).Inc()
}

func (m *Metrics) ObserveLeave(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.leaves.Inc()
	m.callDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) UIConnected() {
	if m != nil {
		m.uiConnections.Inc()
	}
}

func (m *Metrics) UIDisconnected() {
	if m != nil {
		m.uiConnections.Dec()
	}
}

func (m *Metrics) SnapshotDropped() {
	if m != nil {
		m.droppedSnapshots.Inc()
	}
}
