package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the orchestrator's Prometheus-compatible instrumentation,
// namespaced "cpgflow". Unlike the per-run-labeled metrics a workflow
// engine exposes, these are global across every instance the process
// drives, since a single Orchestrator typically serves many graphs and the
// label cardinality of one time series per instanceID would be unbounded.
type Metrics struct {
	InstancesStarted   prometheus.Counter
	InstancesCompleted prometheus.Counter
	InstancesFailed    prometheus.Counter
	InstancesCancelled prometheus.Counter

	GovernanceRejects prometheus.Counter
	Retries           prometheus.Counter

	QueueDepth      prometheus.Gauge
	ActiveInstances prometheus.Gauge

	StepLatency *prometheus.HistogramVec
	Compensations *prometheus.CounterVec
}

// NewMetrics registers every metric against reg. Each Orchestrator gets its
// own registry by default (see DefaultConfig), so constructing more than one
// Orchestrator in the same process never collides on metric names; callers
// that want every instance scraped from one /metrics endpoint pass a shared
// registry via WithMetricsRegistry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InstancesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cpgflow", Name: "instances_started_total",
			Help: "Total process instances started.",
		}),
		InstancesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cpgflow", Name: "instances_completed_total",
			Help: "Total process instances that reached a terminal completed node.",
		}),
		InstancesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cpgflow", Name: "instances_failed_total",
			Help: "Total process instances that reached terminal failure.",
		}),
		InstancesCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cpgflow", Name: "instances_cancelled_total",
			Help: "Total process instances explicitly cancelled.",
		}),
		GovernanceRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cpgflow", Name: "governance_rejects_total",
			Help: "Total steps rejected by idempotency, authorization, or policy checks.",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cpgflow", Name: "retries_total",
			Help: "Total node retries scheduled by the compensation handler.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cpgflow", Name: "queue_depth",
			Help: "Pending work items in the scheduler's bounded queue.",
		}),
		ActiveInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cpgflow", Name: "active_instances",
			Help: "Instances currently registered with the dispatcher as running.",
		}),
		StepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cpgflow", Name: "step_latency_ms",
			Help:    "Node action execution duration in milliseconds.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"node_id", "status"}),
		Compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpgflow", Name: "compensation_outcomes_total",
			Help: "Compensation handler outcomes by kind (retry, alternate, skip, compensate, escalate, fail).",
		}, []string{"outcome"}),
	}
}

// ObserveStepLatency records how long a node's action took.
func (m *Metrics) ObserveStepLatency(nodeID, status string, d time.Duration) {
	m.StepLatency.WithLabelValues(nodeID, status).Observe(float64(d.Milliseconds()))
}

// ObserveCompensation records a compensation handler outcome.
func (m *Metrics) ObserveCompensation(outcome CompensationOutcome) {
	m.Compensations.WithLabelValues(string(outcome)).Inc()
}
