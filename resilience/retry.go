package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zkorum/mathupdater/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// RetryIf decides whether an error is worth another attempt.
	// Nil retries every error.
	RetryIf func(error) bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes fn until it succeeds, RetryIf rejects its error, the
// attempts run out, or ctx is done.
//
// A non-retryable error is returned as is. Exhausting the attempts wraps
// the last error together with core.ErrMaxRetriesExceeded.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		sleep := delay
		if config.JitterEnabled {
			sleep += time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if config.MaxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker retries fn through cb. Calls rejected by an open
// circuit are not retried.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb core.CircuitBreaker, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	guarded := *config
	inner := config.RetryIf
	guarded.RetryIf = func(err error) bool {
		if errors.Is(err, core.ErrCircuitOpen) {
			return false
		}
		return inner == nil || inner(err)
	}

	return Retry(ctx, &guarded, func() error {
		return cb.Execute(ctx, fn)
	})
}
