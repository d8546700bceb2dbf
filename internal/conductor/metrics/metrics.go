// Package metrics defines the Prometheus instrumentation for Conductor's
// core loops: the Job Queue, the Outbox Worker, the Orchestrator's
// drain loop, and the Gate Evaluator.
//
// Metric naming follows Prometheus conventions: a conductor_ prefix,
// _total for counters, _seconds for duration histograms/gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobQueueDepth is the number of jobs currently in each status, so an
	// operator can see a queue backing up before it starts missing leases.
	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_job_queue_depth",
			Help: "Number of jobs currently in each status.",
		},
		[]string{"status"},
	)

	// JobLeaseReclaimsTotal counts leases the Job Queue reclaimed from a
	// worker that never heartbeat past its lease deadline.
	JobLeaseReclaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_job_lease_reclaims_total",
			Help: "Total job leases reclaimed after a worker failed to heartbeat.",
		},
		[]string{"job_kind"},
	)

	// OutboxStatusTotal counts GitHub writes by terminal/in-flight status.
	OutboxStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_outbox_status_total",
			Help: "Total github_writes transitions observed, by resulting status.",
		},
		[]string{"status"},
	)

	// OutboxAttemptDurationSeconds is a histogram of how long a single
	// GitHub write attempt took, success or failure.
	OutboxAttemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_outbox_attempt_duration_seconds",
			Help:    "Duration of a single outbox GitHub write attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"write_kind", "outcome"},
	)

	// DrainLoopLatencySeconds is a histogram of how long the Orchestrator's
	// drain loop spent processing one pending event.
	DrainLoopLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_drain_loop_latency_seconds",
			Help:    "Time spent processing one pending event in the orchestrator drain loop.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"event_type"},
	)

	// GateEvaluationsTotal counts gate evaluations by gate and outcome.
	GateEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_gate_evaluations_total",
			Help: "Total gate evaluations recorded, by gate id and status.",
		},
		[]string{"gate_id", "status"},
	)

	// PolicyViolationsTotal counts policy-set violations recorded by rule
	// kind, so a spike in one rule shows up before it drowns out the rest.
	PolicyViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_policy_violations_total",
			Help: "Total policy violations recorded, by rule kind.",
		},
		[]string{"rule_kind"},
	)
)

func init() {
	prometheus.MustRegister(
		JobQueueDepth,
		JobLeaseReclaimsTotal,
		OutboxStatusTotal,
		OutboxAttemptDurationSeconds,
		DrainLoopLatencySeconds,
		GateEvaluationsTotal,
		PolicyViolationsTotal,
	)
}

// RecordJobLeaseReclaim records one reclaimed lease for a job kind.
func RecordJobLeaseReclaim(jobKind string) {
	JobLeaseReclaimsTotal.WithLabelValues(jobKind).Inc()
}

// RecordOutboxAttempt records the outcome and duration of one GitHub
// write attempt.
func RecordOutboxAttempt(writeKind, outcome string, duration time.Duration) {
	OutboxStatusTotal.WithLabelValues(outcome).Inc()
	OutboxAttemptDurationSeconds.WithLabelValues(writeKind, outcome).Observe(duration.Seconds())
}

// RecordDrainLoopEvent records how long the orchestrator spent processing
// one pending event of the given type.
func RecordDrainLoopEvent(eventType string, duration time.Duration) {
	DrainLoopLatencySeconds.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordGateEvaluation records one gate evaluation outcome.
func RecordGateEvaluation(gateID, status string) {
	GateEvaluationsTotal.WithLabelValues(gateID, status).Inc()
}

// RecordPolicyViolation records one policy-set violation.
func RecordPolicyViolation(ruleKind string) {
	PolicyViolationsTotal.WithLabelValues(ruleKind).Inc()
}

// SetJobQueueDepth sets the current observed depth for one job status.
// The Job Queue store recomputes this periodically (e.g. from its janitor
// sweep) rather than maintaining a running total, since jobs move between
// statuses outside any single code path that could keep a counter exact.
func SetJobQueueDepth(status string, depth float64) {
	JobQueueDepth.WithLabelValues(status).Set(depth)
}
