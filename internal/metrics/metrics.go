package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirychukyurii/fleet-registry/internal/model"
)

const namespace = "fleet"

// Metrics holds the registry's prometheus collectors
type Metrics struct {
	Agents             *prometheus.GaugeVec
	Transitions        *prometheus.CounterVec
	SweepRuns          prometheus.Counter
	SweepDuration      prometheus.Histogram
	PeerFailures       *prometheus.CounterVec
	StalePartitions    prometheus.Gauge
	StaleWriteRetries  prometheus.Counter
	CollectionFailures prometheus.Counter
	CapacityQueries    prometheus.Counter
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Agents in the merged cluster view by owning node and state.",
		}, []string{"node", "state"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_transitions_total",
			Help:      "Agent state transitions applied by this node.",
		}, []string{"from", "to"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Liveness sweeps run by this node.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a liveness sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		PeerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_failures_total",
			Help:      "Failed partition reads and writes by node.",
		}, []string{"node"}),
		StalePartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_partitions",
			Help:      "Partitions served from last known data in the latest merge.",
		}),
		StaleWriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_write_retries_total",
			Help:      "Agent updates retried after a concurrent modification.",
		}),
		CollectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_failures_total",
			Help:      "Failed system data collections.",
		}),
		CapacityQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_queries_total",
			Help:      "Capacity queries answered.",
		}),
	}

	reg.MustRegister(
		m.Agents,
		m.Transitions,
		m.SweepRuns,
		m.SweepDuration,
		m.PeerFailures,
		m.StalePartitions,
		m.StaleWriteRetries,
		m.CollectionFailures,
		m.CapacityQueries,
	)

	return m
}

// ObserveSnapshot resets the agent gauge to the contents of a merged snapshot
func (m *Metrics) ObserveSnapshot(snapshot *model.ClusterSnapshot) {
	m.Agents.Reset()
	for node, p := range snapshot.Partitions {
		for _, rec := range p.Records {
			m.Agents.WithLabelValues(node, string(rec.State)).Inc()
		}
	}
	m.StalePartitions.Set(float64(len(snapshot.StaleNodes())))
}

// ObserveTransition counts one state change
func (m *Metrics) ObserveTransition(from, to model.AgentState) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveSweep records a finished sweep that started at start
func (m *Metrics) ObserveSweep(start time.Time) {
	m.SweepRuns.Inc()
	m.SweepDuration.Observe(time.Since(start).Seconds())
}
