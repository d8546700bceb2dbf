package runs

import (
	"testing"
	"time"
)

func TestDerivedStatus(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		run  Run
		want Status
	}{
		{"pending is active", Run{Phase: PhasePending}, StatusActive},
		{"executing is active", Run{Phase: PhaseExecuting}, StatusActive},
		{"paused wins over active phase", Run{Phase: PhaseExecuting, PausedAt: &now}, StatusPaused},
		{"blocked", Run{Phase: PhaseBlocked}, StatusBlocked},
		{"completed is finished even if somehow paused", Run{Phase: PhaseCompleted, PausedAt: &now}, StatusFinished},
		{"cancelled is finished", Run{Phase: PhaseCancelled}, StatusFinished},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.run.DerivedStatus(); got != tt.want {
				t.Fatalf("DerivedStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAllowedTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhasePending, PhasePlanning, true},
		{PhasePending, PhaseExecuting, false},
		{PhaseAwaitingPlanApproval, PhaseExecuting, true},
		{PhaseAwaitingPlanApproval, PhasePlanning, true},
		{PhaseAwaitingPlanApproval, PhaseCancelled, true},
		{PhaseCompleted, PhasePlanning, false},
		{PhaseBlocked, PhaseExecuting, true},
		{PhaseBlocked, PhaseCompleted, false},
	}
	for _, tt := range tests {
		if got := IsAllowedTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsAllowedTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPRBundleEmpty(t *testing.T) {
	var b PRBundle
	if !b.Empty() {
		t.Fatal("zero-value PRBundle should be Empty()")
	}
	b.Number = 7
	if b.Empty() {
		t.Fatal("PRBundle with a number set should not be Empty()")
	}
}

func TestAnchorValid(t *testing.T) {
	run := &Run{HeadSHA: "abc123", PR: PRBundle{State: "open"}}

	if !AnchorValid(CheckpointImplementationComplete, map[string]any{"head_sha": "abc123"}, run) {
		t.Fatal("expected matching head_sha to validate implementation_complete")
	}
	if AnchorValid(CheckpointImplementationComplete, map[string]any{"head_sha": "def456"}, run) {
		t.Fatal("expected stale head_sha to invalidate implementation_complete")
	}
	if !AnchorValid(CheckpointPRCreated, map[string]any{"head_sha": "abc123"}, run) {
		t.Fatal("expected matching head_sha + open PR to validate pr_created")
	}
	if AnchorValid(CheckpointEnvironmentReady, nil, run) == false {
		t.Fatal("environment_ready has no anchor and should always validate once evidenced")
	}
}
