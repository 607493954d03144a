// This file provides centralized functions for emitting job-related metrics
// and span events, so the pool, scanner and watchdog report consistently.

package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════
// Job Lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// EmitJobStarted emits span event and metric when a worker starts a job.
func EmitJobStarted(ctx context.Context, job *core.Job) {
	telemetry.Counter("mathupdater.jobs.started")

	telemetry.AddSpanEvent(ctx, "job.started",
		attribute.String("job_id", job.ID),
		attribute.String("singleton_key", job.SingletonKey),
		attribute.Int64("conversation_id", job.Payload.ConversationID),
	)
}

// EmitQueueWaitTime records how long a job waited between enqueue and claim.
func EmitQueueWaitTime(ctx context.Context, job *core.Job, wait time.Duration) {
	telemetry.Histogram("mathupdater.jobs.queue_wait_ms", float64(wait.Milliseconds()))

	telemetry.AddSpanEvent(ctx, "job.dequeued",
		attribute.String("job_id", job.ID),
		attribute.Int64("wait_ms", wait.Milliseconds()),
	)
}

// EmitJobCompleted emits span event and metrics when a job succeeds.
func EmitJobCompleted(ctx context.Context, job *core.Job, duration time.Duration) {
	telemetry.Counter("mathupdater.jobs.completed", "status", "completed")
	telemetry.Histogram("mathupdater.jobs.duration_ms", float64(duration.Milliseconds()), "status", "completed")

	telemetry.AddSpanEvent(ctx, "job.completed",
		attribute.String("job_id", job.ID),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)
}

// EmitJobFailed emits span event and metrics when a job fails.
func EmitJobFailed(ctx context.Context, job *core.Job, duration time.Duration, err error) {
	reason := "error"
	switch {
	case core.IsRetryable(err):
		reason = "retryable"
	case core.IsMalformedOutput(err):
		reason = "malformed"
	}

	telemetry.Counter("mathupdater.jobs.completed", "status", "failed", "reason", reason)
	telemetry.Histogram("mathupdater.jobs.duration_ms", float64(duration.Milliseconds()), "status", "failed")

	attrs := []attribute.KeyValue{
		attribute.String("job_id", job.ID),
		attribute.Int64("duration_ms", duration.Milliseconds()),
		attribute.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	telemetry.AddSpanEvent(ctx, "job.failed", attrs...)
	telemetry.RecordSpanError(ctx, err)
}

// EmitProbeCompleted records the startup probe passing through the pool.
func EmitProbeCompleted(ctx context.Context, job *core.Job) {
	telemetry.Counter("mathupdater.jobs.probe")
	telemetry.AddSpanEvent(ctx, "job.probe", attribute.String("job_id", job.ID))
}

// EmitWorkerPanic records a recovered handler panic.
func EmitWorkerPanic(ctx context.Context, jobID string, recovered interface{}) {
	telemetry.Counter("mathupdater.worker.panics")

	telemetry.AddSpanEvent(ctx, "worker.panic",
		attribute.String("job_id", jobID),
		attribute.String("panic", panicString(recovered)),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Pool, Scanner and Watchdog
// ═══════════════════════════════════════════════════════════════════════════

// EmitBatchClaimed records the size of a non-empty claim.
func EmitBatchClaimed(size int) {
	telemetry.Counter("mathupdater.worker.claims")
	telemetry.Histogram("mathupdater.worker.batch_size", float64(size))
}

// EmitScan records one scan outcome.
func EmitScan(start time.Time, result ScanResult, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	telemetry.Counter("mathupdater.scanner.scans", "status", status)
	telemetry.Duration("mathupdater.scanner.duration_ms", start, "status", status)
	telemetry.Add("mathupdater.scanner.found", int64(result.Found))
	telemetry.Add("mathupdater.scanner.enqueued", int64(result.Enqueued))
}

// EmitScanSkipped records a scan refused because one was still running.
func EmitScanSkipped() {
	telemetry.Counter("mathupdater.scanner.skipped")
}

// EmitStuckJobsDeleted records jobs removed by the watchdog.
func EmitStuckJobsDeleted(state core.JobState, n int) {
	if n == 0 {
		return
	}
	telemetry.Add("mathupdater.watchdog.stuck_deleted", int64(n), "state", string(state))
}

// EmitPoolRestart records a watchdog restart of the worker pool.
func EmitPoolRestart(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	telemetry.Counter("mathupdater.watchdog.pool_restarts", "status", status)
}

// EmitScanStalled records a scan stall detection.
func EmitScanStalled() {
	telemetry.Counter("mathupdater.watchdog.scan_stalls")
}
