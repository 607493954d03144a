package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zkorum/mathupdater/core"
)

// Runner is a loop that runs until its context is done.
type Runner interface {
	Run(ctx context.Context)
}

// Scheduler owns startup and shutdown ordering of the queue, the pool and
// the scanner and watchdog loops.
type Scheduler struct {
	queue    core.JobQueue
	pool     PoolController
	scanner  Runner
	watchdog Runner
	logger   core.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewScheduler wires the components. watchdog may be nil.
func NewScheduler(queue core.JobQueue, pool PoolController, scanner, watchdog Runner, logger core.Logger) *Scheduler {
	return &Scheduler{
		queue:    queue,
		pool:     pool,
		scanner:  scanner,
		watchdog: watchdog,
		logger:   core.WithComponent(logger, "mathupdater/orchestration"),
		now:      time.Now,
	}
}

// Start purges leftover jobs, starts the pool, enqueues the startup probe
// and launches the scanner and watchdog. Purge and pool errors are
// startup failures.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return core.ErrAlreadyStarted
	}

	purged, err := s.queue.Purge(ctx)
	if err != nil {
		s.started.Store(false)
		return core.NewUpdaterError("scheduler.start", "queue", fmt.Errorf("purge leftover jobs: %w", err))
	}
	s.logger.InfoWithContext(ctx, "Leftover jobs purged", map[string]interface{}{
		"purged": purged,
	})

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.pool.Start(runCtx); err != nil {
		cancel()
		s.started.Store(false)
		return core.NewUpdaterError("scheduler.start", "pool", err)
	}
	s.cancel = cancel

	jobID, _, err := s.queue.Enqueue(ctx, core.ProbeSingletonKey, core.ProbePayload(s.now()))
	if err != nil {
		s.logger.WarnWithContext(ctx, "Startup probe not enqueued", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		s.logger.InfoWithContext(ctx, "Startup probe enqueued", map[string]interface{}{
			"job_id": jobID,
		})
	}

	s.spawn(runCtx, s.scanner)
	if s.watchdog != nil {
		s.spawn(runCtx, s.watchdog)
	}

	s.logger.InfoWithContext(ctx, "Scheduler started", nil)
	return nil
}

func (s *Scheduler) spawn(ctx context.Context, r Runner) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.Run(ctx)
	}()
}

// Shutdown stops the scanner and watchdog, then the pool.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.started.Load() || s.cancel == nil {
		return nil
	}
	s.cancel()

	loops := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(loops)
	}()
	select {
	case <-loops:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.pool.Stop(ctx); err != nil {
		return fmt.Errorf("stop worker pool: %w", err)
	}
	s.logger.InfoWithContext(ctx, "Scheduler stopped", nil)
	return nil
}
