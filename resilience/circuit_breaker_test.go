package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zkorum/mathupdater/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	mu           sync.Mutex
	successes    int
	failures     int
	rejections   int
	stateChanges []string
}

func (m *recordingMetrics) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
}

func (m *recordingMetrics) RecordFailure(name string, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *recordingMetrics) RecordStateChange(name string, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChanges = append(m.stateChanges, from+"->"+to)
}

func (m *recordingMetrics) RecordRejection(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections++
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock, *recordingMetrics) {
	t.Helper()
	metrics := &recordingMetrics{}
	cfg := DefaultConfig()
	cfg.Name = "engine"
	cfg.VolumeThreshold = 4
	cfg.ErrorThreshold = 0.5
	cfg.SleepWindow = 10 * time.Second
	cfg.Metrics = metrics

	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb.now = clock.Now
	cb.stateChangedAt = clock.Now()
	return cb, clock, metrics
}

var errUpstream = fmt.Errorf("upstream 503: %w", core.ErrEngineUnavailable)

func TestCircuitBreaker_OpensOnErrorRate(t *testing.T) {
	cb, _, metrics := newTestBreaker(t)
	ctx := context.Background()

	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, "closed", cb.GetState())

	// 1 success + 3 failures = 75% over 4 requests
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return errUpstream }), core.ErrEngineUnavailable)
	}
	assert.Equal(t, "open", cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, 1, metrics.rejections)
	assert.Equal(t, []string{"closed->open"}, metrics.stateChanges)
}

func TestCircuitBreaker_BelowVolumeThresholdStaysClosed(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errUpstream })
	}
	assert.Equal(t, "closed", cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock, metrics := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, func() error { return errUpstream })
	}
	require.Equal(t, "open", cb.GetState())

	clock.Advance(11 * time.Second)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, "closed", cb.GetState())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, metrics.stateChanges)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, func() error { return errUpstream })
	}

	clock.Advance(11 * time.Second)
	assert.Error(t, cb.Execute(ctx, func() error { return errUpstream }))
	assert.Equal(t, "open", cb.GetState())

	// sleep window restarts from the reopen
	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), core.ErrCircuitOpen)
}

func TestCircuitBreaker_IgnoresMalformedOutput(t *testing.T) {
	cb, _, metrics := newTestBreaker(t)
	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return fmt.Errorf("decode: %w", core.ErrMalformedEngineOutput)
		})
	}
	assert.Equal(t, "closed", cb.GetState())
	assert.Equal(t, 0, metrics.failures)
}

func TestCircuitBreaker_WindowExpires(t *testing.T) {
	cb, clock, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errUpstream })
	}

	// old failures fall out of the 60s window
	clock.Advance(2 * time.Minute)
	_ = cb.Execute(ctx, func() error { return errUpstream })
	assert.Equal(t, "closed", cb.GetState())
}

func TestCircuitBreaker_RecoversPanic(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	err := cb.Execute(context.Background(), func() error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in circuit breaker engine: boom")
}

func TestCircuitBreaker_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 0
	_, err := NewCircuitBreaker(cfg)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestDefaultErrorClassifier(t *testing.T) {
	assert.True(t, DefaultErrorClassifier(errUpstream))
	assert.True(t, DefaultErrorClassifier(context.DeadlineExceeded))
	assert.False(t, DefaultErrorClassifier(nil))
	assert.False(t, DefaultErrorClassifier(context.Canceled))
	assert.False(t, DefaultErrorClassifier(core.ErrInvalidConfiguration))
	assert.False(t, DefaultErrorClassifier(errors.Join(core.ErrMalformedLabels)))
}
