package jobs

import (
	"testing"
	"time"
)

func TestNextDelayCapsAtMaxBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, Multiplier: 2, MaxBackoff: 5 * time.Second, MaxAttempts: 10}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.NextDelay(attempt)
		if d < 0 || d > p.MaxBackoff {
			t.Fatalf("attempt %d: delay %v outside [0, %v]", attempt, d, p.MaxBackoff)
		}
	}
}

func TestNextDelayGrowsWithAttempt(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, Multiplier: 2, MaxBackoff: time.Hour, MaxAttempts: 10}
	// Jitter makes any single draw non-deterministic, so assert on the
	// upper bound (the uncapped exponential value) instead of the draw.
	upperBound := func(attempt int) time.Duration {
		d := p.InitialBackoff
		for i := 1; i < attempt; i++ {
			d *= time.Duration(p.Multiplier)
		}
		return d
	}
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.NextDelay(attempt)
		if d > upperBound(attempt) {
			t.Fatalf("attempt %d: delay %v exceeds uncapped upper bound %v", attempt, d, upperBound(attempt))
		}
	}
}

func TestTerminal(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if p.Terminal(2) {
		t.Fatal("2 attempts should not be terminal against a budget of 3")
	}
	if !p.Terminal(3) {
		t.Fatal("3 attempts should be terminal against a budget of 3")
	}
}
