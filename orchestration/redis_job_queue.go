// Package orchestration provides a Redis-backed job queue.
//
// This file implements core.JobQueue on Redis. Each job is a hash; the
// singleton key is a string claimed with SET NX; created and active jobs
// live in sorted sets scored by enqueue and claim time. Every multi-key
// transition runs as a Lua script so it is atomic.
package orchestration

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/zkorum/mathupdater/core"
)

// RedisJobQueue implements core.JobQueue using Redis.
type RedisJobQueue struct {
	client *redis.Client
	config RedisJobQueueConfig
	logger core.Logger
	now    func() time.Time
}

var _ core.JobQueue = (*RedisJobQueue)(nil)

// RedisJobQueueConfig configures the Redis job queue.
type RedisJobQueueConfig struct {
	// QueueName namespaces every key
	// Default: "update-conversation-math"
	QueueName string `json:"queue_name"`

	// KeyPrefix is prepended to the queue name
	// Default: "mathupdater:queue"
	KeyPrefix string `json:"key_prefix"`

	// Retention is the TTL of completed and failed jobs
	// Default: 24h
	Retention time.Duration `json:"retention"`

	// Logger is an optional logger for queue operations
	Logger core.Logger `json:"-"`
}

// DefaultRedisJobQueueConfig returns default configuration.
func DefaultRedisJobQueueConfig() RedisJobQueueConfig {
	return RedisJobQueueConfig{
		QueueName: "update-conversation-math",
		KeyPrefix: "mathupdater:queue",
		Retention: 24 * time.Hour,
	}
}

// NewRedisJobQueue creates a queue on an already connected client.
func NewRedisJobQueue(client *redis.Client, config *RedisJobQueueConfig) *RedisJobQueue {
	if config == nil {
		defaultConfig := DefaultRedisJobQueueConfig()
		config = &defaultConfig
	}

	// Apply defaults for unset values
	defaults := DefaultRedisJobQueueConfig()
	if config.QueueName == "" {
		config.QueueName = defaults.QueueName
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}

	return &RedisJobQueue{
		client: client,
		config: *config,
		logger: core.WithComponent(config.Logger, "mathupdater/orchestration"),
		now:    time.Now,
	}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", core.ErrInvalidConfiguration, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", core.ErrQueueUnavailable, err)
	}
	return client, nil
}

func (q *RedisJobQueue) base() string {
	return q.config.KeyPrefix + ":" + q.config.QueueName
}

func (q *RedisJobQueue) jobPrefix() string       { return q.base() + ":job:" }
func (q *RedisJobQueue) singletonPrefix() string { return q.base() + ":singleton:" }
func (q *RedisJobQueue) createdKey() string      { return q.base() + ":created" }
func (q *RedisJobQueue) activeKey() string       { return q.base() + ":active" }

func (q *RedisJobQueue) stateKey(state core.JobState) (string, error) {
	switch state {
	case core.JobStateCreated:
		return q.createdKey(), nil
	case core.JobStateActive:
		return q.activeKey(), nil
	}
	return "", fmt.Errorf("state %q is not outstanding: %w", state, core.ErrInvalidConfiguration)
}

var enqueueScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	return 0
end
redis.call('HSET', KEYS[2], 'id', ARGV[1], 'singleton_key', ARGV[2], 'state', 'created', 'payload', ARGV[3], 'created_at', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// Enqueue adds a created job unless one with the same key is outstanding.
func (q *RedisJobQueue) Enqueue(ctx context.Context, singletonKey string, payload core.JobPayload) (string, bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to serialize payload: %w", err)
	}

	id := uuid.New().String()
	now := q.now().UnixMilli()
	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.singletonPrefix() + singletonKey, q.jobPrefix() + id, q.createdKey()},
		id, singletonKey, data, now).Int()
	if err != nil {
		q.logger.ErrorWithContext(ctx, "Failed to enqueue job", map[string]interface{}{
			"singleton_key": singletonKey,
			"error":         err.Error(),
		})
		return "", false, fmt.Errorf("enqueue %s: %w: %v", singletonKey, core.ErrQueueUnavailable, err)
	}
	if created == 0 {
		return "", false, nil
	}

	q.logger.DebugWithContext(ctx, "Job enqueued", map[string]interface{}{
		"job_id":        id,
		"singleton_key": singletonKey,
	})
	return id, true, nil
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
	redis.call('HSET', ARGV[3] .. id, 'state', 'active', 'started_at', ARGV[2])
end
return ids
`)

// Claim moves up to batchSize created jobs to active, oldest first.
func (q *RedisJobQueue) Claim(ctx context.Context, batchSize int) ([]*core.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	ids, err := claimScript.Run(ctx, q.client,
		[]string{q.createdKey(), q.activeKey()},
		batchSize, q.now().UnixMilli(), q.jobPrefix()).StringSlice()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("claim: %w: %v", core.ErrQueueUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobPrefix()+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claim: load jobs: %w", err)
	}

	jobs := make([]*core.Job, 0, len(ids))
	for i, cmd := range cmds {
		job, err := q.decode(cmd.Val())
		if err != nil {
			q.logger.ErrorWithContext(ctx, "Dropping undecodable job", map[string]interface{}{
				"job_id": ids[i],
				"error":  err.Error(),
			})
			_ = q.finish(ctx, ids[i], core.JobStateFailed, err.Error())
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then
	return 0
end
local sk = redis.call('HGET', KEYS[1], 'singleton_key')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'completed_at', ARGV[3], 'error', ARGV[4])
if sk and redis.call('GET', ARGV[5] .. sk) == ARGV[1] then
	redis.call('DEL', ARGV[5] .. sk)
end
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// Complete marks an active job completed and releases its key.
func (q *RedisJobQueue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, core.JobStateCompleted, "")
}

// Fail marks an active job failed and releases its key.
func (q *RedisJobQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.finish(ctx, jobID, core.JobStateFailed, reason)
}

func (q *RedisJobQueue) finish(ctx context.Context, jobID string, state core.JobState, reason string) error {
	ok, err := finishScript.Run(ctx, q.client,
		[]string{q.jobPrefix() + jobID, q.activeKey()},
		jobID, string(state), q.now().UnixMilli(), reason, q.singletonPrefix(), q.config.Retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%s job %s: %w", state, jobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%s job %s: %w", state, jobID, core.ErrJobNotFound)
	}
	return nil
}

// CountPending returns the number of created jobs.
func (q *RedisJobQueue) CountPending(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.createdKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return int(n), nil
}

var deleteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local out = {}
for _, id in ipairs(ids) do
	local jk = ARGV[2] .. id
	local score = redis.call('ZSCORE', KEYS[1], id)
	local sk = redis.call('HGET', jk, 'singleton_key')
	redis.call('ZREM', KEYS[1], id)
	redis.call('DEL', jk)
	if sk then
		if redis.call('GET', ARGV[3] .. sk) == id then
			redis.call('DEL', ARGV[3] .. sk)
		end
	else
		sk = ''
	end
	table.insert(out, id)
	table.insert(out, sk)
	table.insert(out, score)
end
return out
`)

// DeleteStuck deletes jobs that have been in state longer than olderThan.
// Created jobs age from enqueue, active jobs from claim.
func (q *RedisJobQueue) DeleteStuck(ctx context.Context, state core.JobState, olderThan time.Duration) ([]core.StuckJob, error) {
	key, err := q.stateKey(state)
	if err != nil {
		return nil, err
	}
	now := q.now()
	cutoff := strconv.FormatInt(now.Add(-olderThan).UnixMilli(), 10)
	return q.delete(ctx, key, state, cutoff, now)
}

func (q *RedisJobQueue) delete(ctx context.Context, key string, state core.JobState, maxScore string, now time.Time) ([]core.StuckJob, error) {
	flat, err := deleteScript.Run(ctx, q.client, []string{key},
		maxScore, q.jobPrefix(), q.singletonPrefix()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("delete %s jobs: %w", state, err)
	}

	var deleted []core.StuckJob
	for i := 0; i+2 < len(flat); i += 3 {
		job := core.StuckJob{ID: flat[i], SingletonKey: flat[i+1], State: state}
		if ms, err := strconv.ParseFloat(flat[i+2], 64); err == nil {
			job.Age = now.Sub(time.UnixMilli(int64(ms)))
		}
		deleted = append(deleted, job)
	}
	return deleted, nil
}

// PruneTerminal is a no-op: terminal jobs expire by TTL.
func (q *RedisJobQueue) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

// Purge deletes every outstanding job.
func (q *RedisJobQueue) Purge(ctx context.Context) (int, error) {
	now := q.now()
	total := 0
	for _, state := range []core.JobState{core.JobStateCreated, core.JobStateActive} {
		key, _ := q.stateKey(state)
		deleted, err := q.delete(ctx, key, state, "+inf", now)
		if err != nil {
			return total, fmt.Errorf("purge: %w: %v", core.ErrQueueUnavailable, err)
		}
		total += len(deleted)
	}
	return total, nil
}

// Get loads a job by id.
func (q *RedisJobQueue) Get(ctx context.Context, jobID string) (*core.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobPrefix()+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrJobNotFound)
	}
	return q.decode(fields)
}

func (q *RedisJobQueue) decode(fields map[string]string) (*core.Job, error) {
	if len(fields) == 0 {
		return nil, core.ErrJobNotFound
	}
	job := &core.Job{
		ID:           fields["id"],
		QueueName:    q.config.QueueName,
		SingletonKey: fields["singleton_key"],
		State:        core.JobState(fields["state"]),
		Error:        fields["error"],
	}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	if t, ok := millis(fields["created_at"]); ok {
		job.CreatedAt = t
	}
	if t, ok := millis(fields["started_at"]); ok {
		job.StartedAt = &t
	}
	if t, ok := millis(fields["completed_at"]); ok {
		job.CompletedAt = &t
	}
	return job, nil
}

func millis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
