package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/zkorum/mathupdater/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker events
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors should count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. Malformed
// output, configuration mistakes and cancellations leave the circuit alone.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	if core.IsMalformedOutput(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that triggers opening
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of requests in the window
	// before the error rate is evaluated
	VolumeThreshold int

	// SleepWindow is how long to stay open before probing in half-open
	SleepWindow time.Duration

	// HalfOpenRequests is the number of probe requests allowed in half-open
	HalfOpenRequests int

	// WindowSize is the sliding window duration, split into BucketCount buckets
	WindowSize  time.Duration
	BucketCount int

	ErrorClassifier ErrorClassifier
	Logger          core.Logger
	Metrics         MetricsCollector
}

// DefaultConfig returns a configuration suited to the clustering engine:
// a handful of long requests per minute, so the volume threshold is low.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 1,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate checks the configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be in (0, 1], got %v: %w", c.ErrorThreshold, core.ErrInvalidConfiguration)
	}
	if c.VolumeThreshold < 1 {
		return fmt.Errorf("volume threshold must be positive, got %d: %w", c.VolumeThreshold, core.ErrInvalidConfiguration)
	}
	if c.SleepWindow <= 0 {
		return fmt.Errorf("sleep window must be positive: %w", core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker guards calls to an unreliable dependency. It implements
// core.CircuitBreaker.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	window *slidingWindow

	mu              sync.Mutex
	state           CircuitState
	stateChangedAt  time.Time
	halfOpenInUse   int
	halfOpenSuccess int

	now func() time.Time
}

var _ core.CircuitBreaker = (*CircuitBreaker)(nil)

// NewCircuitBreaker creates a circuit breaker. A nil config uses DefaultConfig.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 1
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
	cb.window = newSlidingWindow(config.WindowSize, config.BucketCount, cb.clock)
	cb.stateChangedAt = cb.now()
	return cb, nil
}

func (cb *CircuitBreaker) clock() time.Time { return cb.now() }

// SetLogger scopes the breaker's logs to the resilience component
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	cb.config.Logger = core.WithComponent(logger, "mathupdater/resilience")
}

// Execute runs fn if the circuit allows it and records the outcome.
// A rejected call returns an error wrapping core.ErrCircuitOpen.
// A panic inside fn is recovered and reported as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	halfOpen, allowed := cb.allow()
	if !allowed {
		cb.config.Metrics.RecordRejection(cb.config.Name)
		cb.config.Logger.DebugWithContext(ctx, "Circuit breaker rejected execution", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.config.Name,
			"state":     cb.GetState(),
		})
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitOpen)
	}

	err := cb.run(fn)
	cb.record(ctx, halfOpen, err)
	return err
}

func (cb *CircuitBreaker) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in circuit breaker %s: %v\nStack:\n%s", cb.config.Name, r, debug.Stack())
		}
	}()
	return fn()
}

// allow reports whether a call may proceed and whether it is a half-open probe
func (cb *CircuitBreaker) allow() (halfOpen bool, allowed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.now().Sub(cb.stateChangedAt) < cb.config.SleepWindow {
			return false, false
		}
		cb.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInUse >= cb.config.HalfOpenRequests {
			return true, false
		}
		cb.halfOpenInUse++
		return true, true
	}
	return false, false
}

func (cb *CircuitBreaker) record(ctx context.Context, halfOpen bool, err error) {
	counts := err != nil && cb.config.ErrorClassifier(err)

	if err == nil {
		cb.config.Metrics.RecordSuccess(cb.config.Name)
	} else if counts {
		cb.config.Metrics.RecordFailure(cb.config.Name, fmt.Sprintf("%T", err))
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if halfOpen && cb.state == StateHalfOpen {
		switch {
		case counts:
			cb.config.Logger.WarnWithContext(ctx, "Circuit breaker probe failed, reopening", map[string]interface{}{
				"operation": "circuit_breaker_reopen",
				"name":      cb.config.Name,
				"error":     err.Error(),
			})
			cb.transitionLocked(StateOpen)
		case err == nil:
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.config.HalfOpenRequests {
				cb.transitionLocked(StateClosed)
			}
		default:
			// error that does not count: free the slot and let another probe through
			cb.halfOpenInUse--
		}
		return
	}

	if cb.state != StateClosed {
		return
	}
	if err == nil {
		cb.window.recordSuccess()
		return
	}
	if !counts {
		return
	}
	cb.window.recordFailure()

	total, failures := cb.window.counts()
	if total >= cb.config.VolumeThreshold && float64(failures)/float64(total) >= cb.config.ErrorThreshold {
		cb.config.Logger.ErrorWithContext(ctx, "Circuit breaker opening due to error threshold", map[string]interface{}{
			"operation":       "circuit_breaker_opening",
			"name":            cb.config.Name,
			"failures":        failures,
			"total_requests":  total,
			"error_threshold": cb.config.ErrorThreshold,
			"sleep_window_ms": cb.config.SleepWindow.Milliseconds(),
		})
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = cb.now()
	cb.halfOpenInUse = 0
	cb.halfOpenSuccess = 0
	if to == StateClosed {
		cb.window.reset()
	}

	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), to.String())
	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":  "circuit_breaker_state_change",
		"name":       cb.config.Name,
		"from_state": from.String(),
		"to_state":   to.String(),
	})
}

// GetState returns the current state name
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset forces the breaker closed and clears its window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.window.reset()
}

// slidingWindow counts outcomes over a time window split into buckets.
// Callers hold the breaker's mutex.
type slidingWindow struct {
	buckets    []bucket
	bucketSize time.Duration
	now        func() time.Time
}

type bucket struct {
	start    time.Time
	success  int
	failures int
}

func newSlidingWindow(size time.Duration, count int, now func() time.Time) *slidingWindow {
	return &slidingWindow{
		buckets:    make([]bucket, count),
		bucketSize: size / time.Duration(count),
		now:        now,
	}
}

func (w *slidingWindow) current() *bucket {
	now := w.now()
	start := now.Truncate(w.bucketSize)
	idx := int((start.UnixNano() / int64(w.bucketSize)) % int64(len(w.buckets)))
	b := &w.buckets[idx]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

func (w *slidingWindow) recordSuccess() { w.current().success++ }
func (w *slidingWindow) recordFailure() { w.current().failures++ }

func (w *slidingWindow) counts() (total, failures int) {
	horizon := w.now().Add(-w.bucketSize * time.Duration(len(w.buckets)))
	for _, b := range w.buckets {
		if b.start.After(horizon) {
			total += b.success + b.failures
			failures += b.failures
		}
	}
	return total, failures
}

func (w *slidingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
