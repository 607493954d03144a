package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zkorum/mathupdater/core"
)

// JobQueue implements core.JobQueue on the math_job table.
//
// The singleton contract is enforced by a partial unique index on
// (queue_name, singleton_key) restricted to created and active rows.
// Claims use FOR UPDATE SKIP LOCKED so concurrent pollers never see the
// same row.
type JobQueue struct {
	pool      *pgxpool.Pool
	queueName string
	logger    core.Logger
}

var _ core.JobQueue = (*JobQueue)(nil)

// NewJobQueue creates a Postgres-backed queue.
func NewJobQueue(pool *pgxpool.Pool, queueName string, logger core.Logger) *JobQueue {
	return &JobQueue{
		pool:      pool,
		queueName: queueName,
		logger:    core.WithComponent(logger, "mathupdater/store"),
	}
}

// Enqueue inserts a created job unless one with the same key is outstanding.
func (q *JobQueue) Enqueue(ctx context.Context, singletonKey string, payload core.JobPayload) (string, bool, error) {
	body, err := payload.Encode()
	if err != nil {
		return "", false, fmt.Errorf("store: encode payload: %w", err)
	}

	id := uuid.New().String()
	tag, err := q.pool.Exec(ctx, `
		INSERT INTO math_job (id, queue_name, singleton_key, state, payload)
		VALUES ($1, $2, $3, 'created', $4)
		ON CONFLICT (queue_name, singleton_key) WHERE state IN ('created', 'active') DO NOTHING`,
		id, q.queueName, singletonKey, body)
	if err != nil {
		return "", false, fmt.Errorf("store: enqueue %s: %w: %v", singletonKey, core.ErrQueueUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	return id, true, nil
}

// Claim moves up to batchSize created jobs to active, oldest first.
func (q *JobQueue) Claim(ctx context.Context, batchSize int) ([]*core.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE math_job SET state = 'active', started_at = now()
			WHERE id IN (
				SELECT id FROM math_job
				WHERE queue_name = $1 AND state = 'created'
				ORDER BY created_at, id
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, queue_name, singleton_key, state, payload, created_at, started_at
		)
		SELECT id, queue_name, singleton_key, state, payload, created_at, started_at
		FROM claimed ORDER BY created_at, id`,
		q.queueName, batchSize)
	if err != nil {
		return nil, fmt.Errorf("store: claim: %w: %v", core.ErrQueueUnavailable, err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		var (
			job     core.Job
			state   string
			payload []byte
		)
		if err := rows.Scan(&job.ID, &job.QueueName, &job.SingletonKey, &state, &payload, &job.CreatedAt, &job.StartedAt); err != nil {
			return nil, fmt.Errorf("store: scan claimed job: %w", err)
		}
		job.State = core.JobState(state)
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			// Keep the job so the worker can fail it with a reason.
			q.logger.WarnWithContext(ctx, "Claimed job has unreadable payload", map[string]interface{}{
				"operation": "claim",
				"job_id":    job.ID,
				"error":     err.Error(),
			})
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: claim: %w", err)
	}
	return jobs, nil
}

// Complete marks an active job completed.
func (q *JobQueue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, core.JobStateCompleted, "")
}

// Fail marks an active job failed with a reason.
func (q *JobQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.finish(ctx, jobID, core.JobStateFailed, reason)
}

func (q *JobQueue) finish(ctx context.Context, jobID string, state core.JobState, reason string) error {
	var errText *string
	if reason != "" {
		errText = &reason
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE math_job SET state = $2, completed_at = now(), error = $3
		WHERE id = $1 AND state = 'active'`,
		jobID, string(state), errText)
	if err != nil {
		return fmt.Errorf("store: %s job %s: %w", state, jobID, err)
	}
	if tag.RowsAffected() == 0 {
		// the watchdog may have deleted a stuck job under us
		return fmt.Errorf("store: %s job %s: %w", state, jobID, core.ErrJobNotFound)
	}
	return nil
}

// CountPending returns the number of created jobs.
func (q *JobQueue) CountPending(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM math_job WHERE queue_name = $1 AND state = 'created'`,
		q.queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return n, nil
}

// DeleteStuck deletes jobs that have been in state longer than olderThan.
// Created jobs age from created_at, active jobs from started_at.
func (q *JobQueue) DeleteStuck(ctx context.Context, state core.JobState, olderThan time.Duration) ([]core.StuckJob, error) {
	var column string
	switch state {
	case core.JobStateCreated:
		column = "created_at"
	case core.JobStateActive:
		column = "COALESCE(started_at, created_at)"
	default:
		return nil, fmt.Errorf("store: delete stuck: state %q is not outstanding: %w", state, core.ErrInvalidConfiguration)
	}

	rows, err := q.pool.Query(ctx, fmt.Sprintf(`
		DELETE FROM math_job
		WHERE queue_name = $1 AND state = $2 AND %[1]s < now() - make_interval(secs => $3)
		RETURNING id, singleton_key, EXTRACT(EPOCH FROM (now() - %[1]s))::float8`, column),
		q.queueName, string(state), olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("store: delete stuck %s jobs: %w", state, err)
	}
	defer rows.Close()

	var stuck []core.StuckJob
	for rows.Next() {
		var (
			job     core.StuckJob
			seconds float64
		)
		if err := rows.Scan(&job.ID, &job.SingletonKey, &seconds); err != nil {
			return nil, fmt.Errorf("store: scan stuck job: %w", err)
		}
		job.State = state
		job.Age = time.Duration(seconds * float64(time.Second))
		stuck = append(stuck, job)
	}
	return stuck, rows.Err()
}

// PruneTerminal removes completed and failed jobs older than the retention.
func (q *JobQueue) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM math_job
		WHERE queue_name = $1 AND state IN ('completed', 'failed')
		  AND completed_at < now() - make_interval(secs => $2)`,
		q.queueName, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("store: prune terminal jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Purge deletes every outstanding job of the queue.
func (q *JobQueue) Purge(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM math_job WHERE queue_name = $1 AND state IN ('created', 'active')`,
		q.queueName)
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w: %v", core.ErrQueueUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

// Get loads a job by id.
func (q *JobQueue) Get(ctx context.Context, jobID string) (*core.Job, error) {
	var (
		job     core.Job
		state   string
		payload []byte
		errText *string
	)
	err := q.pool.QueryRow(ctx, `
		SELECT id, queue_name, singleton_key, state, payload, created_at, started_at, completed_at, error
		FROM math_job WHERE id = $1`, jobID).
		Scan(&job.ID, &job.QueueName, &job.SingletonKey, &state, &payload, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &errText)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: job %s: %w", jobID, core.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: job %s: %w", jobID, err)
	}
	job.State = core.JobState(state)
	if errText != nil {
		job.Error = *errText
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("store: job %s: %w: %v", jobID, core.ErrInvalidPayload, err)
	}
	return &job, nil
}
