package orchestration

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zkorum/mathupdater/core"
)

// PoolController is the part of the worker pool the watchdog drives.
type PoolController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	LastInvokedAt() time.Time
	ActiveJobs() int
}

// ScanMonitor exposes scanner liveness.
type ScanMonitor interface {
	LastCompletedAt() time.Time
}

// OrphanSweeper deletes snapshots that were never activated.
type OrphanSweeper interface {
	SweepOrphanSnapshots(ctx context.Context, retention time.Duration) (int, error)
}

// WatchdogConfig configures the watchdog.
type WatchdogConfig struct {
	Interval            time.Duration
	WorkerStallTimeout  time.Duration
	StuckCreatedTimeout time.Duration
	StuckActiveTimeout  time.Duration
	RestartDelay        time.Duration
	ScanStallTimeout    time.Duration

	// QueueRetention is how long terminal jobs are kept. Zero keeps them.
	QueueRetention time.Duration

	// OrphanRetention of zero disables the orphan sweep.
	OrphanRetention     time.Duration
	OrphanSweepInterval time.Duration

	Logger core.Logger
}

// WatchdogConfigFrom maps the service config.
func WatchdogConfigFrom(cfg *core.Config, logger core.Logger) WatchdogConfig {
	return WatchdogConfig{
		Interval:            cfg.Watchdog.Interval,
		WorkerStallTimeout:  cfg.Watchdog.WorkerStallTimeout,
		StuckCreatedTimeout: cfg.Watchdog.StuckCreatedTimeout,
		StuckActiveTimeout:  cfg.Watchdog.StuckActiveTimeout,
		RestartDelay:        cfg.Watchdog.RestartDelay,
		ScanStallTimeout:    cfg.ScanStallTimeout(),
		QueueRetention:      cfg.Queue.Retention,
		OrphanRetention:     cfg.Orphans.Retention,
		OrphanSweepInterval: cfg.Orphans.SweepInterval,
		Logger:              logger,
	}
}

// WatchdogReport describes what one check did.
type WatchdogReport struct {
	PoolRestarted  bool
	DeletedCreated []core.StuckJob
	DeletedActive  []core.StuckJob
	ScanStalled    bool
	Pruned         int
	OrphansSwept   int
	OrphanSweepRan bool
}

// Watchdog restarts a stalled pool, deletes stuck jobs and reports a
// stalled scanner. None of its failures are fatal.
type Watchdog struct {
	queue   core.JobQueue
	pool    PoolController
	scanner ScanMonitor
	orphans OrphanSweeper
	config  WatchdogConfig
	logger  core.Logger

	inFlight  atomic.Bool
	lastSweep time.Time
	now       func() time.Time
}

// NewWatchdog creates a watchdog. orphans may be nil.
func NewWatchdog(queue core.JobQueue, pool PoolController, scanner ScanMonitor, orphans OrphanSweeper, config WatchdogConfig) *Watchdog {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.WorkerStallTimeout <= 0 {
		config.WorkerStallTimeout = 30 * time.Second
	}
	if config.StuckCreatedTimeout <= 0 {
		config.StuckCreatedTimeout = 10 * time.Second
	}
	if config.StuckActiveTimeout <= 0 {
		config.StuckActiveTimeout = 20 * time.Minute
	}
	if config.RestartDelay < 0 {
		config.RestartDelay = 0
	}
	if config.ScanStallTimeout <= 0 {
		config.ScanStallTimeout = 30 * time.Second
	}
	if config.OrphanSweepInterval <= 0 {
		config.OrphanSweepInterval = time.Hour
	}
	return &Watchdog{
		queue:   queue,
		pool:    pool,
		scanner: scanner,
		orphans: orphans,
		config:  config,
		logger:  core.WithComponent(config.Logger, "mathupdater/orchestration"),
		now:     time.Now,
	}
}

// Run checks on every tick until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				w.logger.WarnWithContext(ctx, "Watchdog check incomplete", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Check runs one watchdog pass. Each step runs even when an earlier one
// failed; the first error is returned.
func (w *Watchdog) Check(ctx context.Context) (WatchdogReport, error) {
	var report WatchdogReport
	if !w.inFlight.CompareAndSwap(false, true) {
		return report, core.ErrCheckInProgress
	}
	defer w.inFlight.Store(false)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	restarted, err := w.checkPool(ctx)
	report.PoolRestarted = restarted
	keep(err)

	report.DeletedCreated, err = w.deleteStuck(ctx, core.JobStateCreated, w.config.StuckCreatedTimeout)
	keep(err)
	report.DeletedActive, err = w.deleteStuck(ctx, core.JobStateActive, w.config.StuckActiveTimeout)
	keep(err)

	report.ScanStalled = w.checkScanner(ctx)

	if w.config.QueueRetention > 0 {
		report.Pruned, err = w.queue.PruneTerminal(ctx, w.config.QueueRetention)
		if err != nil {
			keep(fmt.Errorf("prune terminal jobs: %w", err))
		} else if report.Pruned > 0 {
			w.logger.DebugWithContext(ctx, "Terminal jobs pruned", map[string]interface{}{
				"pruned": report.Pruned,
			})
		}
	}

	report.OrphanSweepRan, report.OrphansSwept, err = w.sweepOrphans(ctx)
	keep(err)

	return report, firstErr
}

// checkPool restarts the pool when it has shown no progress for the stall
// timeout while jobs are waiting. A pool with a running job is busy, not
// stalled; stuck jobs are the active-timeout's concern.
func (w *Watchdog) checkPool(ctx context.Context) (bool, error) {
	idle := w.now().Sub(w.pool.LastInvokedAt())
	if idle <= w.config.WorkerStallTimeout {
		return false, nil
	}
	if active := w.pool.ActiveJobs(); active > 0 {
		w.logger.DebugWithContext(ctx, "Worker pool busy, skipping restart", map[string]interface{}{
			"active_jobs": active,
			"idle":        idle.Round(time.Second).String(),
		})
		return false, nil
	}
	pending, err := w.queue.CountPending(ctx)
	if err != nil {
		return false, fmt.Errorf("count pending jobs: %w", err)
	}
	if pending == 0 {
		return false, nil
	}

	w.logger.ErrorWithContext(ctx, "Worker pool stalled, restarting", map[string]interface{}{
		"idle":         idle.Round(time.Second).String(),
		"last_invoked": humanize.Time(w.pool.LastInvokedAt()),
		"pending_jobs": pending,
	})

	if err := w.pool.Stop(ctx); err != nil {
		w.logger.WarnWithContext(ctx, "Worker pool did not stop cleanly", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if w.config.RestartDelay > 0 {
		t := time.NewTimer(w.config.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}

	err = w.pool.Start(ctx)
	EmitPoolRestart(err)
	if err != nil {
		w.logger.ErrorWithContext(ctx, "Worker pool restart failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false, fmt.Errorf("restart worker pool: %w", err)
	}
	w.logger.InfoWithContext(ctx, "Worker pool restarted", map[string]interface{}{
		"pending_jobs": pending,
	})
	return true, nil
}

func (w *Watchdog) deleteStuck(ctx context.Context, state core.JobState, olderThan time.Duration) ([]core.StuckJob, error) {
	stuck, err := w.queue.DeleteStuck(ctx, state, olderThan)
	if err != nil {
		return nil, fmt.Errorf("delete stuck %s jobs: %w", state, err)
	}
	EmitStuckJobsDeleted(state, len(stuck))
	for _, job := range stuck {
		w.logger.WarnWithContext(ctx, "Deleted stuck job", map[string]interface{}{
			"job_id":        job.ShortID(),
			"singleton_key": job.SingletonKey,
			"state":         string(state),
			"age":           job.Age.Round(time.Second).String(),
		})
	}
	return stuck, nil
}

func (w *Watchdog) checkScanner(ctx context.Context) bool {
	last := w.scanner.LastCompletedAt()
	since := w.now().Sub(last)
	if since <= w.config.ScanStallTimeout {
		return false
	}
	EmitScanStalled()
	w.logger.ErrorWithContext(ctx, "Scanner stalled", map[string]interface{}{
		"last_completed": humanize.Time(last),
		"stalled_for":    since.Round(time.Second).String(),
		"threshold":      w.config.ScanStallTimeout.String(),
	})
	return true
}

// sweepOrphans runs the orphan sweep at most once per sweep interval.
func (w *Watchdog) sweepOrphans(ctx context.Context) (bool, int, error) {
	if w.orphans == nil || w.config.OrphanRetention <= 0 {
		return false, 0, nil
	}
	now := w.now()
	if !w.lastSweep.IsZero() && now.Sub(w.lastSweep) < w.config.OrphanSweepInterval {
		return false, 0, nil
	}
	w.lastSweep = now

	n, err := w.orphans.SweepOrphanSnapshots(ctx, w.config.OrphanRetention)
	if err != nil {
		return true, 0, fmt.Errorf("sweep orphan snapshots: %w", err)
	}
	if n > 0 {
		w.logger.InfoWithContext(ctx, "Orphan snapshots deleted", map[string]interface{}{
			"deleted":   n,
			"retention": w.config.OrphanRetention.String(),
		})
	}
	return true, n, nil
}
