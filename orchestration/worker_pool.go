// Package orchestration drives recomputation: the scanner enqueues dirty
// conversations, the worker pool claims and runs jobs, and the watchdog
// keeps both alive.
//
// This file implements the job worker pool. A single poll loop claims
// batches from a core.JobQueue and runs them through a weighted semaphore.
package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/telemetry"
)

// queueOpTimeout bounds Complete and Fail calls made after a job ran.
const queueOpTimeout = 10 * time.Second

// JobWorkerPool claims jobs in batches and runs them with bounded
// concurrency. It can be stopped and started again.
type JobWorkerPool struct {
	queue   core.JobQueue
	handler core.JobHandler
	config  WorkerPoolConfig
	logger  core.Logger
	sem     *semaphore.Weighted

	// Lifecycle management
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	// State tracking
	lastInvoked atomic.Int64
	activeCount atomic.Int32
	now         func() time.Time
}

// WorkerPoolConfig configures the worker pool.
type WorkerPoolConfig struct {
	// BatchSize is the maximum number of jobs claimed per poll
	// Default: 10
	BatchSize int `json:"batch_size"`

	// Concurrency is the number of jobs run at once
	// Default: 3
	Concurrency int `json:"concurrency"`

	// PollInterval is the pause after an empty claim
	// Default: 2s
	PollInterval time.Duration `json:"poll_interval"`

	// JobTimeout bounds a single job. Jobs are not cancelled by Stop.
	// Default: 15 minutes
	JobTimeout time.Duration `json:"job_timeout"`

	// ShutdownTimeout is how long Stop waits for in-flight jobs
	// Default: 30s
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// Logger is an optional logger for pool operations
	Logger core.Logger `json:"-"`
}

// DefaultWorkerPoolConfig returns default configuration.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		BatchSize:       10,
		Concurrency:     3,
		PollInterval:    2 * time.Second,
		JobTimeout:      15 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerPoolConfigFrom maps the worker section of the service config.
func WorkerPoolConfigFrom(cfg core.WorkerConfig, logger core.Logger) WorkerPoolConfig {
	return WorkerPoolConfig{
		BatchSize:       cfg.BatchSize,
		Concurrency:     cfg.Concurrency,
		PollInterval:    cfg.PollInterval,
		JobTimeout:      cfg.JobTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}
}

// NewJobWorkerPool creates a new worker pool.
func NewJobWorkerPool(queue core.JobQueue, handler core.JobHandler, config *WorkerPoolConfig) *JobWorkerPool {
	if config == nil {
		defaultConfig := DefaultWorkerPoolConfig()
		config = &defaultConfig
	}

	// Apply defaults
	defaults := DefaultWorkerPoolConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	return &JobWorkerPool{
		queue:   queue,
		handler: handler,
		config:  *config,
		logger:  core.WithComponent(config.Logger, "mathupdater/orchestration"),
		sem:     semaphore.NewWeighted(int64(config.Concurrency)),
		now:     time.Now,
	}
}

// Start launches the poll loop and returns immediately.
func (p *JobWorkerPool) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return core.ErrPoolRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.markInvoked()

	p.logger.Info("Starting worker pool", map[string]interface{}{
		"batch_size":    p.config.BatchSize,
		"concurrency":   p.config.Concurrency,
		"poll_interval": p.config.PollInterval.String(),
	})

	go p.loop(loopCtx, done)
	return nil
}

// Stop cancels the poll loop and waits for the current batch up to the
// shutdown timeout. Running jobs are not interrupted.
func (p *JobWorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if !p.running.Load() || done == nil {
		return nil
	}

	p.logger.Info("Stopping worker pool", map[string]interface{}{
		"active_jobs": p.activeCount.Load(),
	})

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: %d jobs still running", p.activeCount.Load())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the poll loop is active.
func (p *JobWorkerPool) Running() bool {
	return p.running.Load()
}

// LastInvokedAt is the last time the pool showed progress: a poll of the
// queue, or a job starting or finishing.
func (p *JobWorkerPool) LastInvokedAt() time.Time {
	return time.Unix(0, p.lastInvoked.Load())
}

// ActiveJobs is the number of jobs currently running.
func (p *JobWorkerPool) ActiveJobs() int {
	return int(p.activeCount.Load())
}

func (p *JobWorkerPool) markInvoked() {
	p.lastInvoked.Store(p.now().UnixNano())
}

// loop is the single poll goroutine.
func (p *JobWorkerPool) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		p.running.Store(false)
		close(done)
		p.logger.Info("Worker pool stopped", nil)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		jobs, err := p.queue.Claim(ctx, p.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Claim error", map[string]interface{}{
				"error": err.Error(),
			})
			if !p.sleep(ctx) {
				return
			}
			continue
		}

		p.markInvoked()
		if len(jobs) == 0 {
			if !p.sleep(ctx) {
				return
			}
			continue
		}

		EmitBatchClaimed(len(jobs))
		p.runBatch(ctx, jobs)
	}
}

func (p *JobWorkerPool) sleep(ctx context.Context) bool {
	t := time.NewTimer(p.config.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runBatch runs a claimed batch and waits for all of it. Every claimed job
// runs, even when Stop is called while it waits for a slot.
func (p *JobWorkerPool) runBatch(ctx context.Context, jobs []*core.Job) {
	slotCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.Payload.IsProbe() {
			p.completeProbe(ctx, job)
			continue
		}

		if err := p.sem.Acquire(slotCtx, 1); err != nil {
			p.finish(ctx, job, fmt.Errorf("acquire worker slot: %w", err))
			continue
		}
		wg.Add(1)
		go func(job *core.Job) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.processJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (p *JobWorkerPool) completeProbe(ctx context.Context, job *core.Job) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueOpTimeout)
	defer cancel()

	if err := p.queue.Complete(opCtx, job.ID); err != nil {
		p.logger.Warn("Failed to complete probe job", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return
	}
	EmitProbeCompleted(opCtx, job)
	p.logger.Info("Startup probe consumed, worker is healthy", map[string]interface{}{
		"job_id": job.ID,
	})
}

// processJob runs one job on a context detached from the pool's stop
// signal and bounded by the job timeout.
func (p *JobWorkerPool) processJob(parentCtx context.Context, job *core.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), p.config.JobTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "job.process",
		attribute.String("job.id", job.ID),
		attribute.String("job.singleton_key", job.SingletonKey),
		attribute.Int64("conversation.id", job.Payload.ConversationID))
	defer span.End()

	p.activeCount.Add(1)
	p.markInvoked()
	defer func() {
		p.activeCount.Add(-1)
		p.markInvoked()
	}()

	startTime := p.now()
	if !job.CreatedAt.IsZero() {
		EmitQueueWaitTime(ctx, job, startTime.Sub(job.CreatedAt))
	}
	EmitJobStarted(ctx, job)

	err := p.executeHandler(ctx, job)
	if err == nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w: job exceeded %s", core.ErrTimeout, p.config.JobTimeout)
	}

	duration := time.Since(startTime)
	if err != nil {
		EmitJobFailed(ctx, job, duration, err)
		p.logger.ErrorWithContext(ctx, "Job failed", map[string]interface{}{
			"job_id":          job.ID,
			"conversation_id": job.Payload.ConversationID,
			"duration_ms":     duration.Milliseconds(),
			"error":           err.Error(),
		})
	} else {
		EmitJobCompleted(ctx, job, duration)
		p.logger.InfoWithContext(ctx, "Job completed", map[string]interface{}{
			"job_id":          job.ID,
			"conversation_id": job.Payload.ConversationID,
			"duration_ms":     duration.Milliseconds(),
		})
	}
	p.finish(ctx, job, err)
}

// executeHandler runs the handler with panic recovery.
func (p *JobWorkerPool) executeHandler(ctx context.Context, job *core.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)

			EmitWorkerPanic(ctx, job.ID, r)

			p.logger.ErrorWithContext(ctx, "Handler panicked", map[string]interface{}{
				"job_id": job.ID,
				"panic":  panicString(r),
				"stack":  stack,
			})
		}
	}()

	return p.handler.HandleJob(ctx, job)
}

// finish records the job outcome in the queue.
func (p *JobWorkerPool) finish(ctx context.Context, job *core.Job, jobErr error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueOpTimeout)
	defer cancel()

	var err error
	if jobErr == nil {
		err = p.queue.Complete(opCtx, job.ID)
	} else {
		err = p.queue.Fail(opCtx, job.ID, jobErr.Error())
	}
	if err != nil {
		p.logger.WarnWithContext(ctx, "Failed to record job outcome", map[string]interface{}{
			"job_id": job.ID,
			"failed": jobErr != nil,
			"error":  err.Error(),
		})
	}
}

func panicString(r interface{}) string {
	return fmt.Sprint(r)
}
