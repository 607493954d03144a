package orchestration

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/store"
)

// memQueue is an in-memory core.JobQueue with the singleton contract.
type memQueue struct {
	mu     sync.Mutex
	jobs   []*core.Job
	nextID int

	claimErr   error
	enqueueErr map[string]error
	purgeErr   error
	pending    int
	pendingSet bool

	claims     int
	completed  []string
	failed     map[string]string
	purged     int
	deleteArgs []core.JobState
	stuck      map[core.JobState][]core.StuckJob
	pruneCalls int
	calls      []string
}

func newMemQueue() *memQueue {
	return &memQueue{
		failed:     make(map[string]string),
		enqueueErr: make(map[string]error),
		stuck:      make(map[core.JobState][]core.StuckJob),
	}
}

func (q *memQueue) record(call string) {
	q.calls = append(q.calls, call)
}

func (q *memQueue) Enqueue(ctx context.Context, key string, payload core.JobPayload) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("enqueue:" + key)
	if err := q.enqueueErr[key]; err != nil {
		return "", false, err
	}
	for _, j := range q.jobs {
		if j.SingletonKey == key && j.State.IsOutstanding() {
			return "", false, nil
		}
	}
	q.nextID++
	id := "job-" + strconv.Itoa(q.nextID)
	q.jobs = append(q.jobs, &core.Job{
		ID:           id,
		SingletonKey: key,
		State:        core.JobStateCreated,
		Payload:      payload,
		CreatedAt:    time.Now(),
	})
	return id, true, nil
}

func (q *memQueue) Claim(ctx context.Context, batchSize int) ([]*core.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claims++
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	var out []*core.Job
	for _, j := range q.jobs {
		if len(out) == batchSize {
			break
		}
		if j.State == core.JobStateCreated {
			j.State = core.JobStateActive
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (q *memQueue) find(id string) *core.Job {
	for _, j := range q.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (q *memQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil || j.State != core.JobStateActive {
		return core.ErrJobNotFound
	}
	j.State = core.JobStateCompleted
	q.completed = append(q.completed, id)
	return nil
}

func (q *memQueue) Fail(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil || j.State != core.JobStateActive {
		return core.ErrJobNotFound
	}
	j.State = core.JobStateFailed
	j.Error = reason
	q.failed[id] = reason
	return nil
}

func (q *memQueue) CountPending(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pendingSet {
		return q.pending, nil
	}
	n := 0
	for _, j := range q.jobs {
		if j.State == core.JobStateCreated {
			n++
		}
	}
	return n, nil
}

func (q *memQueue) DeleteStuck(ctx context.Context, state core.JobState, olderThan time.Duration) ([]core.StuckJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleteArgs = append(q.deleteArgs, state)
	return q.stuck[state], nil
}

func (q *memQueue) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneCalls++
	return 0, nil
}

func (q *memQueue) Purge(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("purge")
	if q.purgeErr != nil {
		return 0, q.purgeErr
	}
	n := 0
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if j.State.IsOutstanding() {
			n++
			continue
		}
		kept = append(kept, j)
	}
	q.jobs = kept
	q.purged += n
	return n, nil
}

func (q *memQueue) state(id string) core.JobState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.find(id); j != nil {
		return j.State
	}
	return ""
}

func (q *memQueue) completedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

func (q *memQueue) terminalCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.State.IsTerminal() {
			n++
		}
	}
	return n
}

// fakeSource is a DirtySource.
type fakeSource struct {
	mu      sync.Mutex
	dirty   []store.DirtyConversation
	err     error
	block   chan struct{}
	entered chan struct{}
	calls   int
}

func (s *fakeSource) ListEligible(ctx context.Context, minInterval time.Duration) ([]store.DirtyConversation, error) {
	s.mu.Lock()
	s.calls++
	block, entered := s.block, s.entered
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return s.dirty, s.err
}

// fakePool is a PoolController.
type fakePool struct {
	mu          sync.Mutex
	lastInvoked time.Time
	active      int
	startErr    error
	stopErr     error
	starts      int
	stops       int
	onStart     func()
}

func (p *fakePool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.onStart != nil {
		p.onStart()
	}
	return p.startErr
}

func (p *fakePool) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return p.stopErr
}

func (p *fakePool) LastInvokedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastInvoked
}

func (p *fakePool) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

type fakeScanMonitor struct {
	last time.Time
}

func (m fakeScanMonitor) LastCompletedAt() time.Time { return m.last }

type fakeSweeper struct {
	calls     int
	deleted   int
	err       error
	retention time.Duration
}

func (s *fakeSweeper) SweepOrphanSnapshots(ctx context.Context, retention time.Duration) (int, error) {
	s.calls++
	s.retention = retention
	return s.deleted, s.err
}

// fakeRunner records that it ran and blocks until cancelled.
type fakeRunner struct {
	started chan struct{}
	stopped chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan struct{}, 1), stopped: make(chan struct{})}
}

func (r *fakeRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
	close(r.stopped)
}

var errBoom = errors.New("boom")
