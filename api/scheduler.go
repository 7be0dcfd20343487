/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Periodically runs the expiration sweeper so overdue batches are forfeited
  without operator action, and records every execution in sweep_runs for
  audit and UI display.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each tick wraps the sweep in exponential-backoff retry; a sweep that
    fails transiently (busy database) gets another chance within the tick
  - The sweeper itself is idempotent, so overlapping or repeated runs are
    harmless
  - Run records capture outcome, totals, and the error when one occurred

USAGE:
  scheduler := NewSweepScheduler(store, sweeper, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - ledger/sweep.go: The sweeper itself
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/meridian/loyalty-engine/ledger"
	"github.com/meridian/loyalty-engine/store/sqlite"
)

// SweepScheduler handles automated point expiration.
type SweepScheduler struct {
	Store      *sqlite.Store
	Sweeper    *ledger.Sweeper
	Interval   time.Duration
	MaxRetries int
	Enabled    bool

	log    *logrus.Logger
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a scheduler with a 1 hour interval and 3
// retries per run.
func NewSweepScheduler(store *sqlite.Store, sweeper *ledger.Sweeper, log *logrus.Logger) *SweepScheduler {
	if log == nil {
		log = logrus.New()
	}
	return &SweepScheduler{
		Store:      store,
		Sweeper:    sweeper,
		Interval:   1 * time.Hour,
		MaxRetries: 3,
		Enabled:    true,
		log:        log,
		stop:       make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.log.Info("sweep scheduler disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.Interval)
	ss.wg.Add(1)

	go ss.run()

	ss.log.WithField("interval", ss.Interval).Info("sweep scheduler started")
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		ss.log.Info("sweep scheduler stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweepOnce()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweepOnce()
		case <-ss.stop:
			return
		}
	}
}

// sweepOnce executes one scheduled sweep with retry and records the run.
func (ss *SweepScheduler) sweepOnce() {
	ctx := context.Background()
	started := time.Now()

	run := sqlite.SweepRun{
		ID:        fmt.Sprintf("sweep-%d", started.UnixNano()),
		StartedAt: started,
		Status:    "running",
	}
	if err := ss.Store.SaveSweepRun(ctx, run); err != nil {
		ss.log.WithError(err).Error("failed to record sweep run start")
		return
	}

	var result ledger.SweepResult
	backoff := retry.WithMaxRetries(uint64(ss.MaxRetries),
		retry.NewExponential(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var sweepErr error
		result, sweepErr = ss.Sweeper.Sweep(ctx, time.Time{})
		if sweepErr != nil {
			// Only the candidate query can fail the run; worth another try.
			return retry.RetryableError(sweepErr)
		}
		return nil
	})

	completed := time.Now()
	run.CompletedAt = &completed

	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		ss.log.WithError(err).Error("scheduled sweep failed")
	} else {
		run.Status = "completed"
		run.BatchesExpired = len(result.BatchIDs)
		run.PointsExpired = result.TotalPointsExpired
		run.MembersAffected = result.MembersAffected
		if len(result.Errors) > 0 {
			// Partial failures: the run completed but some batches did not.
			run.Error = fmt.Sprintf("%d batch(es) failed", len(result.Errors))
		}
	}

	if err := ss.Store.SaveSweepRun(ctx, run); err != nil {
		ss.log.WithError(err).Error("failed to record sweep run outcome")
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ss *SweepScheduler) RunNow() {
	ss.sweepOnce()
}

// NextRunTime returns when the next scheduled sweep will occur.
func (ss *SweepScheduler) NextRunTime() time.Time {
	return time.Now().Add(ss.Interval)
}
