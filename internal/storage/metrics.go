package storage

import "github.com/prometheus/client_golang/prometheus"

// Metrics wires the persistence-layer counters and gauges SPEC_FULL.md
// §4.1/§1.1 calls for. A nil *Metrics is valid everywhere in this
// package; every method has a nil-receiver-safe no-op form via the
// caller's own nil check.
type Metrics struct {
	failureCount   prometheus.Counter
	lastPersistOK  prometheus.Gauge
}

// NewMetrics registers the storage metrics against reg. Call once per
// process (or per node, with a distinct ConstLabels registerer) and
// share the result across Storage instances that should report
// separately; tests typically pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	m := &Metrics{
		failureCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "raftcore_persistence_failure_total",
			Help:        "Count of failed durable-state writes since process start.",
			ConstLabels: labels,
		}),
		lastPersistOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "raftcore_last_persist_success",
			Help:        "1 if the most recent durable-state write succeeded, 0 otherwise.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.failureCount, m.lastPersistOK)
	return m
}

func (m *Metrics) RecordPersistenceFailure() {
	if m == nil {
		return
	}
	m.failureCount.Inc()
	m.lastPersistOK.Set(0)
}

func (m *Metrics) LastPersistSuccess() {
	if m == nil {
		return
	}
	m.lastPersistOK.Set(1)
}
