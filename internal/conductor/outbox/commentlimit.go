package outbox

import (
	"sync"
	"time"

	"github.com/cswenor/conductor/internal/conductor/config"
)

// CommentLimiter throttles non-priority comments per run (§5 "comment rate
// limiting"), grounded on the sliding-window-history design of the teacher's
// internal/shared/ratelimit.Limiter — reshaped from that package's
// concurrency/runs-per-hour accounting to a plain burst-per-interval window
// keyed by run instead of by agent.
type CommentLimiter struct {
	interval time.Duration
	burst    int
	priority map[string]bool

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewCommentLimiter builds a limiter from configuration. A zero-value Burst
// or Interval disables throttling (Allow always returns true).
func NewCommentLimiter(cfg config.CommentRateLimit) *CommentLimiter {
	priority := make(map[string]bool, len(cfg.PriorityKinds))
	for _, k := range cfg.PriorityKinds {
		priority[k] = true
	}
	return &CommentLimiter{
		interval: cfg.Interval,
		burst:    cfg.Burst,
		priority: priority,
		history:  make(map[string][]time.Time),
	}
}

// Allow reports whether a comment of category may be sent now for runID.
// Priority categories always pass; everything else is capped at burst per
// interval.
func (l *CommentLimiter) Allow(runID, category string) bool {
	if l.interval <= 0 || l.burst <= 0 {
		return true
	}
	if l.priority[category] {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(runID, now)
	return len(l.history[runID]) < l.burst
}

// RecordSent notes that a comment for runID was just sent, consuming one
// slot of its window regardless of category, so a burst of priority
// comments still throttles the non-priority ones that follow.
func (l *CommentLimiter) RecordSent(runID string) {
	if l.interval <= 0 || l.burst <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history[runID] = append(l.history[runID], time.Now())
}

func (l *CommentLimiter) prune(runID string, now time.Time) {
	cutoff := now.Add(-l.interval)
	kept := l.history[runID][:0]
	for _, t := range l.history[runID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.history, runID)
		return
	}
	l.history[runID] = kept
}
