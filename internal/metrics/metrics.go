// Package metrics exposes Prometheus instrumentation for the API client core.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "receipts"

// Metrics holds the core's collectors.
type Metrics struct {
	requests       *prometheus.CounterVec
	renewals       *prometheus.CounterVec
	replays        prometheus.Counter
	pollQueries    *prometheus.CounterVec
	pollSequences  *prometheus.CounterVec
	liveConnected  prometheus.Gauge
	liveReconnects prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Outbound API calls by classified outcome.",
		}, []string{"outcome"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "renewals_total",
			Help:      "Credential renewal calls by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "replays_total",
			Help:      "Requests replayed after a successful renewal.",
		}),
		pollQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "queries_total",
			Help:      "Job status queries by result.",
		}, []string{"result"}),
		pollSequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "sequences_total",
			Help:      "Finished poll sequences by how they ended.",
		}, []string{"result"}),
		liveConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "connected",
			Help:      "1 while the live-update channel is connected.",
		}),
		liveReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts after an unexpected disconnect.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests, m.renewals, m.replays,
			m.pollQueries, m.pollSequences,
			m.liveConnected, m.liveReconnects,
		)
	}

	return m
}

// Request counts one classified API outcome.
func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(outcome).Inc()
}

// Renewal counts one renewal call ("success" or "failure").
func (m *Metrics) Renewal(result string) {
	if m == nil {
		return
	}

	m.renewals.WithLabelValues(result).Inc()
}

// Replay counts a replayed request.
func (m *Metrics) Replay() {
	if m == nil {
		return
	}

	m.replays.Inc()
}

// PollQuery counts one status query ("ok" or "error").
func (m *Metrics) PollQuery(result string) {
	if m == nil {
		return
	}

	m.pollQueries.WithLabelValues(result).Inc()
}

// PollSequence counts a finished sequence ("terminal", "timeout", "gone",
// "session_ended", "rejected", "stopped").
func (m *Metrics) PollSequence(result string) {
	if m == nil {
		return
	}

	m.pollSequences.WithLabelValues(result).Inc()
}

// LiveConnected sets the connection gauge.
func (m *Metrics) LiveConnected(up bool) {
	if m == nil {
		return
	}

	if up {
		m.liveConnected.Set(1)
		return
	}

	m.liveConnected.Set(0)
}

// LiveReconnect counts one reconnection attempt.
func (m *Metrics) LiveReconnect() {
	if m == nil {
		return
	}

	m.liveReconnects.Inc()
}
