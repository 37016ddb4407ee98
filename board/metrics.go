package board

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts settled mutations by kind and final phase.
type Metrics struct {
	mutations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "board",
			Name:      "mutations_total",
			Help:      "Optimistic board mutations by kind and final phase.",
		}, []string{"kind", "phase"}),
	}
	if reg != nil {
		reg.MustRegister(m.mutations)
	}
	return m
}

func (m *Metrics) observe(mu *Mutation) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(mu.Kind, mu.Phase().String()).Inc()
}
