// Package metrics implements the Prometheus surface from spec §6: gauges
// are collect-callback style (no Inc/Dec that could drift negative). The
// duration histograms and event counters are registered and exported, but
// no code in this module observes or increments them, so they stay at zero.
//
// Grounded on grafana-k6's api/prometheus/prometheus.go: an Exporter type
// implementing prometheus.Collector with Describe/Collect and *prometheus.Desc
// fields, registered with prometheus.MustRegister and served via
// promhttp.Handler(), logging through sirupsen/logrus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"
)

// SessionStats is one session's live counters, read at scrape time.
type SessionStats struct {
	WSConnections   int
	PendingCommands int
	TabsOpen        int
	EstimatedBytes  int64
}

// SessionsSource is implemented by each Session Coordinator, which
// registers itself through RegisterSource when it is built, per spec §9's "Metrics is a single Metrics collaborator ...
// with collector callbacks that read the sessions-registry snapshot."
type SessionsSource interface {
	Snapshot() []SessionStats
}

// Metrics is the process-global Prometheus collector.
type Metrics struct {
	mu      sync.RWMutex
	sources []SessionsSource

	sessionsActive  *prometheus.Desc
	wsConnections   *prometheus.Desc
	pendingCommands *prometheus.Desc
	tabsOpen        *prometheus.Desc
	estimatedBytes  *prometheus.Desc

	TabDuration     *prometheus.HistogramVec
	SessionDuration *prometheus.HistogramVec
	EventsTotal     *prometheus.CounterVec
	OverflowsTotal  *prometheus.CounterVec

	log *logrus.Entry
}

// New builds and registers the Metrics collector against reg.
// cmd/replayguardd passes its own prometheus.NewRegistry(), the registry the
// router serves; tests pass a fresh one each for isolation.
func New(reg prometheus.Registerer, log *logrus.Entry) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewDesc(
			"browserless_replay_sessions_active", "Count of registered sessions.", nil, nil),
		wsConnections: prometheus.NewDesc(
			"browserless_replay_ws_connections", "Sum of per-page WS connections across sessions.", nil, nil),
		pendingCommands: prometheus.NewDesc(
			"browserless_replay_pending_commands", "Sum of pending CDP commands (browser + per-page).", nil, nil),
		tabsOpen: prometheus.NewDesc(
			"browserless_tabs_open", "Sum of tracked targets across sessions.", nil, nil),
		estimatedBytes: prometheus.NewDesc(
			"browserless_replay_estimated_bytes", "Sum of in-memory replay bytes across sessions.", nil, nil),

		TabDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "browserless_tab_duration_seconds",
			Help:    "Tab lifetime, observed on targetDestroyed.",
			Buckets: prometheus.DefBuckets,
		}, nil),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "browserless_session_duration_seconds",
			Help:    "Session lifetime, observed on session end.",
			Buckets: prometheus.DefBuckets,
		}, nil),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserless_replay_events_total",
			Help: "Recording events drained from tracked targets.",
		}, nil),
		OverflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserless_replay_overflows_total",
			Help: "Drains dropped because a target's buffer exceeded its size limit.",
		}, nil),

		log: log,
	}

	reg.MustRegister(m, m.TabDuration, m.SessionDuration, m.EventsTotal, m.OverflowsTotal)
	reg.MustRegister(version.NewCollector("replayguard"))
	return m
}

// RegisterSource adds a SessionsSource whose snapshot contributes to every
// scrape, so each Session Coordinator can self-register without the
// metrics package needing to know about the coordinator type.
func (m *Metrics) RegisterSource(src SessionsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.sessionsActive
	ch <- m.wsConnections
	ch <- m.pendingCommands
	ch <- m.tabsOpen
	ch <- m.estimatedBytes
}

// Collect implements prometheus.Collector: it is purely additive over a
// live snapshot, so these gauges can never drift negative (spec §8
// invariant 7: "gauges never go negative").
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.RLock()
	sources := append([]SessionsSource(nil), m.sources...)
	m.mu.RUnlock()

	var sessionsActive, wsConns, pending, tabs int
	var bytes int64
	for _, src := range sources {
		for _, s := range src.Snapshot() {
			sessionsActive++
			wsConns += s.WSConnections
			pending += s.PendingCommands
			tabs += s.TabsOpen
			bytes += s.EstimatedBytes
		}
	}

	ch <- prometheus.MustNewConstMetric(m.sessionsActive, prometheus.GaugeValue, float64(sessionsActive))
	ch <- prometheus.MustNewConstMetric(m.wsConnections, prometheus.GaugeValue, float64(wsConns))
	ch <- prometheus.MustNewConstMetric(m.pendingCommands, prometheus.GaugeValue, float64(pending))
	ch <- prometheus.MustNewConstMetric(m.tabsOpen, prometheus.GaugeValue, float64(tabs))
	ch <- prometheus.MustNewConstMetric(m.estimatedBytes, prometheus.GaugeValue, float64(bytes))
}
