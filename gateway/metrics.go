package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records gateway call latency, failures and published changes.
type Metrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	changes  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dashboard",
			Subsystem: "gateway",
			Name:      "op_duration_seconds",
			Help:      "Latency of gateway operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "entity"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "gateway",
			Name:      "op_failures_total",
			Help:      "Failed gateway operations by error kind.",
		}, []string{"op", "entity", "kind"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "gateway",
			Name:      "changes_published_total",
			Help:      "Row changes published to subscribers.",
		}, []string{"entity", "type"}),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.failures, m.changes)
	}
	return m
}

func (m *Metrics) observe(op string, entity Entity, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op, string(entity)).Observe(elapsed.Seconds())
	if err != nil {
		m.failures.WithLabelValues(op, string(entity), kindLabel(err)).Inc()
	}
}

func (m *Metrics) published(ch Change) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(string(ch.Entity), string(ch.Type)).Inc()
}
