package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor holds the orchestration metrics. One instance is shared by the
// executor, the resilience wrapper, and the session runner.
type Monitor struct {
	nodeDuration *prometheus.HistogramVec
	nodeFailures *prometheus.CounterVec
	nodeRetries  *prometheus.CounterVec
	degradations *prometheus.CounterVec

	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	eventsDropped   prometheus.Counter
}

func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cortexflow",
			Name:      "node_duration_seconds",
			Help:      "Wall-clock time per graph node execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"node"}),
		nodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortexflow",
			Name:      "node_failures_total",
			Help:      "Node executions that returned an error.",
		}, []string{"node", "kind"}),
		nodeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortexflow",
			Name:      "node_retries_total",
			Help:      "Retry attempts after transient node failures.",
		}, []string{"node"}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortexflow",
			Name:      "node_degradations_total",
			Help:      "Nodes that fell back to a degradation stub.",
		}, []string{"node"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cortexflow",
			Name:      "sessions_active",
			Help:      "Currently running analysis sessions.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortexflow",
			Name:      "sessions_total",
			Help:      "Finished analysis sessions by terminal status.",
		}, []string{"status"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cortexflow",
			Name:      "session_duration_seconds",
			Help:      "End-to-end analysis session duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cortexflow",
			Name:      "stream_events_dropped_total",
			Help:      "Progress events evicted from replay buffers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.nodeDuration, m.nodeFailures, m.nodeRetries, m.degradations,
			m.sessionsActive, m.sessionsTotal, m.sessionDuration, m.eventsDropped,
		)
	}
	return m
}

func (m *Monitor) NodeFinished(node string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(node).Observe(elapsed.Seconds())
	if err != nil {
		m.nodeFailures.WithLabelValues(node, ErrorKind(err)).Inc()
	}
}

func (m *Monitor) NodeRetried(node string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(node).Inc()
}

func (m *Monitor) NodeDegraded(node string) {
	if m == nil {
		return
	}
	m.degradations.WithLabelValues(node).Inc()
}

func (m *Monitor) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Monitor) SessionFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(status).Inc()
	m.sessionDuration.Observe(elapsed.Seconds())
}

func (m *Monitor) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
