package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkorum/mathupdater/core"
)

func TestScheduler_StartOrder(t *testing.T) {
	q := newMemQueue()
	_, _, err := q.Enqueue(context.Background(), core.SingletonKey(5), payload(5))
	require.NoError(t, err)

	pool := &fakePool{}
	pool.onStart = func() {
		q.mu.Lock()
		q.record("pool")
		q.mu.Unlock()
	}
	scanner, watchdog := newFakeRunner(), newFakeRunner()
	s := NewScheduler(q, pool, scanner, watchdog, nil)

	require.NoError(t, s.Start(context.Background()))
	<-scanner.started
	<-watchdog.started

	assert.Equal(t, []string{"enqueue:update-math-5", "purge", "pool", "enqueue:" + core.ProbeSingletonKey}, q.calls)
	assert.Equal(t, 1, q.purged)
	require.Len(t, q.jobs, 1)
	assert.True(t, q.jobs[0].Payload.IsProbe())

	assert.ErrorIs(t, s.Start(context.Background()), core.ErrAlreadyStarted)

	require.NoError(t, s.Shutdown(context.Background()))
	<-scanner.stopped
	<-watchdog.stopped
	assert.Equal(t, 1, pool.stops)
}

func TestScheduler_PurgeFailureAbortsStartup(t *testing.T) {
	q := newMemQueue()
	q.purgeErr = core.ErrQueueUnavailable
	pool := &fakePool{}
	s := NewScheduler(q, pool, newFakeRunner(), nil, nil)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, core.ErrQueueUnavailable)
	assert.Zero(t, pool.starts)
}

func TestScheduler_PoolFailureAbortsStartup(t *testing.T) {
	q := newMemQueue()
	pool := &fakePool{startErr: core.ErrPoolRunning}
	scanner := newFakeRunner()
	s := NewScheduler(q, pool, scanner, nil, nil)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, core.ErrPoolRunning)
	assert.Empty(t, q.jobs, "no probe without a pool")
	select {
	case <-scanner.started:
		t.Fatal("scanner started after a failed startup")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestScheduler_ProbeFailureIsNotFatal(t *testing.T) {
	q := newMemQueue()
	q.enqueueErr[core.ProbeSingletonKey] = core.ErrQueueUnavailable
	scanner := newFakeRunner()
	s := NewScheduler(q, &fakePool{}, scanner, nil, nil)

	require.NoError(t, s.Start(context.Background()))
	<-scanner.started
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestScheduler_EndToEndProbe(t *testing.T) {
	q := newMemQueue()
	pool := NewJobWorkerPool(q, core.JobHandlerFunc(func(ctx context.Context, job *core.Job) error {
		return nil
	}), testPoolConfig())
	scanner := NewScanner(&fakeSource{dirty: dirty(11)}, q, ScannerConfig{Interval: time.Hour})
	s := NewScheduler(q, pool, scanner, nil, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return q.completedCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, pool.Running())
}
