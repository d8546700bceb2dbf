package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PendingRunIDs returns the distinct runs carrying at least one unprocessed
// event, so a poller can decide which runs to drain without scanning the
// whole table per tick.
func (w *Worker) PendingRunIDs(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT DISTINCT run_id FROM events WHERE processed_at IS NULL AND run_id IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Poller drives the drain loop continuously: each tick, it lists every run
// with pending events and drains each one down to empty before moving to
// the next, the same ticker-driven, start/stop-idempotent lifecycle the
// janitor's sweeps and the Durable Job Scheduler both use.
type Poller struct {
	worker *Worker
	log    *zap.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller builds a Poller driving w.
func NewPoller(w *Worker, log *zap.Logger) *Poller {
	return &Poller{worker: w, log: log}
}

// Start begins polling on a fixed interval. Safe to call more than once.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.ticker = time.NewTicker(interval)
	ticker := p.ticker
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drainAllPending(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.drainAllPending(loopCtx)
			}
		}
	}()
}

// Stop halts polling and waits for any in-flight drain to finish. Safe to
// call multiple times, and safe to call without a prior Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return
	}
	p.ticker.Stop()
	p.ticker = nil
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Poller) drainAllPending(ctx context.Context) {
	runIDs, err := p.worker.PendingRunIDs(ctx)
	if err != nil {
		p.log.Warn("failed to list runs with pending events", zap.Error(err))
		return
	}
	for _, runID := range runIDs {
		for {
			if err := p.worker.DrainOne(ctx, runID); err != nil {
				if !errors.Is(err, ErrNoWork) {
					p.log.Warn("drain step failed", zap.String("run_id", runID), zap.Error(err))
				}
				break
			}
		}
	}
}
