// Package janitor implements the recurring reclaim/retention sweeps the
// Job Queue, the Outbox, and the workspace layer depend on but never run
// themselves: lease reclamation, job-queue-depth publication, worktree and
// port-lease cleanup, and event/agent-message retention pruning (§4.4
// "Backpressure").
//
// Each sweep runs on its own schedule string, parsed as either a plain
// duration ("30s") or a standard 5-field cron expression — whichever
// parses first.
package janitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/conductor/config"
	"github.com/cswenor/conductor/internal/conductor/jobs"
)

// Schedules configures how often each sweep runs. Each field accepts a
// time.ParseDuration string or a standard cron expression.
type Schedules struct {
	LeaseReclaim string
	QueueDepth   string
	WorktreeCull string
	EventRetain  string
}

// DefaultSchedules returns sensible sweep intervals for a single-process
// deployment.
func DefaultSchedules() Schedules {
	return Schedules{
		LeaseReclaim: "30s",
		QueueDepth:   "15s",
		WorktreeCull: "5m",
		EventRetain:  "1h",
	}
}

// sweep is one named unit of recurring work.
type sweep struct {
	name     string
	schedule string
	lastRun  *time.Time
	run      func(ctx context.Context, now time.Time) error
}

// Janitor runs the recurring sweeps on independent schedules, the same
// ticker-driven, start/stop-idempotent lifecycle the Durable Job
// Scheduler uses for its own due-schedule polling.
type Janitor struct {
	db        *sql.DB
	jobs      *jobs.Store
	retention config.Retention
	log       *zap.Logger

	sweeps []*sweep

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Janitor with its sweeps wired against db/jobStore.
func New(db *sql.DB, jobStore *jobs.Store, schedules Schedules, retention config.Retention, log *zap.Logger) *Janitor {
	j := &Janitor{db: db, jobs: jobStore, retention: retention, log: log}
	j.sweeps = []*sweep{
		{name: "lease_reclaim", schedule: schedules.LeaseReclaim, run: j.reclaimLeases},
		{name: "queue_depth", schedule: schedules.QueueDepth, run: j.publishQueueDepth},
		{name: "worktree_cull", schedule: schedules.WorktreeCull, run: j.cullWorktreesAndPorts},
		{name: "event_retain", schedule: schedules.EventRetain, run: j.pruneRetention},
	}
	return j
}

// Start begins the sweep loop on a 1-second poll tick; each sweep fires
// independently once its own schedule comes due. Safe to call more than
// once — a second call is a no-op while the loop is already running.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.ticker != nil {
		j.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.ticker = time.NewTicker(time.Second)
	ticker := j.ticker
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.runDue(loopCtx, time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				j.runDue(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for any in-flight sweep to finish.
// Safe to call multiple times, and safe to call without a prior Start.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if j.ticker == nil {
		j.mu.Unlock()
		return
	}
	j.ticker.Stop()
	j.ticker = nil
	cancel := j.cancel
	j.mu.Unlock()

	cancel()
	j.wg.Wait()
}

func (j *Janitor) runDue(ctx context.Context, now time.Time) {
	for _, sw := range j.sweeps {
		due, err := isScheduleDue(sw.schedule, sw.lastRun, now)
		if err != nil {
			j.log.Warn("invalid janitor schedule", zap.String("sweep", sw.name), zap.String("schedule", sw.schedule), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		ran := now
		sw.lastRun = &ran
		if err := sw.run(ctx, now); err != nil {
			j.log.Warn("janitor sweep failed", zap.String("sweep", sw.name), zap.Error(err))
		}
	}
}

// RunAllNow runs every sweep immediately, ignoring schedules. Intended for
// operator-triggered maintenance and for tests.
func (j *Janitor) RunAllNow(ctx context.Context) error {
	now := time.Now().UTC()
	for _, sw := range j.sweeps {
		if err := sw.run(ctx, now); err != nil {
			return fmt.Errorf("sweep %s: %w", sw.name, err)
		}
	}
	return nil
}

// isScheduleDue mirrors the Durable Job Scheduler's own schedule check: try
// schedule as a plain interval first, fall back to a standard cron
// expression.
func isScheduleDue(schedule string, lastRun *time.Time, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("janitor: schedule is required")
	}
	if lastRun == nil {
		// Never run before: fire immediately on the first due check.
		return true, nil
	}
	anchor := lastRun.UTC()

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("janitor: interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fmt.Errorf("janitor: parse schedule %q: %w", schedule, err)
	}
	next := spec.Next(anchor)
	return !next.After(now.UTC()), nil
}
