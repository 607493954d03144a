package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// JobState represents the lifecycle state of a queued recomputation
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsOutstanding reports whether a job in this state still holds its
// singleton key.
func (s JobState) IsOutstanding() bool {
	return s == JobStateCreated || s == JobStateActive
}

// IsTerminal returns true if the state is final
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

const (
	// ProbeConversationID marks the startup liveness job. The worker
	// completes it without touching conversation data.
	ProbeConversationID int64 = -1

	// ProbeSingletonKey is the singleton key of the startup liveness job.
	ProbeSingletonKey = "startup-probe"

	singletonKeyPrefix = "update-math-"
)

// SingletonKey returns the queue deduplication key for a conversation.
func SingletonKey(conversationID int64) string {
	return singletonKeyPrefix + strconv.FormatInt(conversationID, 10)
}

// JobPayload is the body of a recomputation job.
// RequestVersion is the dirty marker's request_version at scan time and is
// the compare-and-set token when the marker is cleared. RequestedAt is
// carried for logs and queue-wait metrics.
type JobPayload struct {
	ConversationID     int64     `json:"conversationId"`
	ConversationSlugID string    `json:"conversationSlugId"`
	RequestedAt        time.Time `json:"requestedAt"`
	RequestVersion     int64     `json:"requestVersion"`
}

// IsProbe reports whether the payload is the startup liveness probe.
func (p JobPayload) IsProbe() bool {
	return p.ConversationID == ProbeConversationID
}

// ProbePayload builds the startup liveness payload.
func ProbePayload(now time.Time) JobPayload {
	return JobPayload{
		ConversationID:     ProbeConversationID,
		ConversationSlugID: "probe",
		RequestedAt:        now,
	}
}

// Encode serializes the payload for queue storage.
func (p JobPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeJobPayload parses a stored payload.
func DecodeJobPayload(data []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ConversationID == 0 {
		return p, fmt.Errorf("%w: missing conversationId", ErrInvalidPayload)
	}
	return p, nil
}

// Job is one queue entry.
type Job struct {
	ID           string     `json:"id"`
	QueueName    string     `json:"queue_name"`
	SingletonKey string     `json:"singleton_key"`
	State        JobState   `json:"state"`
	Payload      JobPayload `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// StuckJob describes a job deleted by the watchdog.
type StuckJob struct {
	ID           string
	SingletonKey string
	State        JobState
	Age          time.Duration
}

// ShortID returns the first eight characters of the job id for log lines.
func (j StuckJob) ShortID() string {
	if len(j.ID) > 8 {
		return j.ID[:8]
	}
	return j.ID
}

// JobQueue is a durable, at-least-once, singleton-keyed queue.
//
// At most one job per singleton key may be in created or active state.
// Enqueue with an outstanding key is a silent no-op reported through
// created=false.
type JobQueue interface {
	Enqueue(ctx context.Context, singletonKey string, payload JobPayload) (jobID string, created bool, err error)

	// Claim atomically moves up to batchSize created jobs to active,
	// oldest first. A job is never handed to two callers.
	Claim(ctx context.Context, batchSize int) ([]*Job, error)

	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error

	// Watchdog support
	CountPending(ctx context.Context) (int, error)
	DeleteStuck(ctx context.Context, state JobState, olderThan time.Duration) ([]StuckJob, error)
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error)

	// Purge removes every outstanding job. Used once at startup.
	Purge(ctx context.Context) (int, error)
}

// JobHandler runs one claimed job.
type JobHandler interface {
	HandleJob(ctx context.Context, job *Job) error
}

// JobHandlerFunc adapts a function to JobHandler
type JobHandlerFunc func(ctx context.Context, job *Job) error

func (f JobHandlerFunc) HandleJob(ctx context.Context, job *Job) error {
	return f(ctx, job)
}
