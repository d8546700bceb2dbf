package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordJobLeaseReclaim(t *testing.T) {
	RecordJobLeaseReclaim("plan_task")
	RecordJobLeaseReclaim("plan_task")

	val := getCounterValue(JobLeaseReclaimsTotal, "plan_task")
	if val < 2 {
		t.Errorf("JobLeaseReclaimsTotal = %f, want >= 2", val)
	}
}

func TestRecordOutboxAttempt(t *testing.T) {
	RecordOutboxAttempt("create_pr", "success", 250*time.Millisecond)

	statusVal := getCounterValue(OutboxStatusTotal, "success")
	if statusVal < 1 {
		t.Errorf("OutboxStatusTotal = %f, want >= 1", statusVal)
	}

	count := getHistogramCount(OutboxAttemptDurationSeconds, "create_pr", "success")
	if count < 1 {
		t.Errorf("OutboxAttemptDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordDrainLoopEvent(t *testing.T) {
	RecordDrainLoopEvent("github.pull_request", 12*time.Millisecond)

	count := getHistogramCount(DrainLoopLatencySeconds, "github.pull_request")
	if count < 1 {
		t.Errorf("DrainLoopLatencySeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordGateEvaluation(t *testing.T) {
	RecordGateEvaluation("tests_pass", "passed")
	RecordGateEvaluation("tests_pass", "failed")

	passed := getCounterValue(GateEvaluationsTotal, "tests_pass", "passed")
	failed := getCounterValue(GateEvaluationsTotal, "tests_pass", "failed")
	if passed < 1 {
		t.Errorf("GateEvaluationsTotal passed = %f, want >= 1", passed)
	}
	if failed < 1 {
		t.Errorf("GateEvaluationsTotal failed = %f, want >= 1", failed)
	}
}

func TestRecordPolicyViolation(t *testing.T) {
	RecordPolicyViolation("secret_pattern")

	val := getCounterValue(PolicyViolationsTotal, "secret_pattern")
	if val < 1 {
		t.Errorf("PolicyViolationsTotal = %f, want >= 1", val)
	}
}

func TestSetJobQueueDepth(t *testing.T) {
	SetJobQueueDepth("pending", 7)
	val := getGaugeVecValue(JobQueueDepth, "pending")
	if val != 7 {
		t.Errorf("JobQueueDepth = %f, want 7", val)
	}

	SetJobQueueDepth("pending", 3)
	val = getGaugeVecValue(JobQueueDepth, "pending")
	if val != 3 {
		t.Errorf("JobQueueDepth after update = %f, want 3", val)
	}
}
