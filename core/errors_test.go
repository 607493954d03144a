package core

import (
	"errors"
	"fmt"
	"testing"
)

// Test IsRetryable function
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrEngineUnavailable is retryable",
			err:      ErrEngineUnavailable,
			expected: true,
		},
		{
			name:     "ErrTimeout is retryable",
			err:      ErrTimeout,
			expected: true,
		},
		{
			name:     "ErrCircuitOpen is retryable",
			err:      ErrCircuitOpen,
			expected: true,
		},
		{
			name:     "wrapped retryable error is retryable",
			err:      fmt.Errorf("operation failed: %w", ErrQueueUnavailable),
			expected: true,
		},
		{
			name:     "ErrMalformedEngineOutput is not retryable",
			err:      ErrMalformedEngineOutput,
			expected: false,
		},
		{
			name:     "ErrInvalidConfiguration is not retryable",
			err:      ErrInvalidConfiguration,
			expected: false,
		},
		{
			name:     "custom error is not retryable",
			err:      errors.New("custom error"),
			expected: false,
		},
		{
			name:     "nil error is not retryable",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(ErrConversationNotFound) {
		t.Error("ErrConversationNotFound should be a not-found error")
	}
	if !IsNotFound(fmt.Errorf("load: %w", ErrJobNotFound)) {
		t.Error("wrapped ErrJobNotFound should be a not-found error")
	}
	if IsNotFound(ErrTimeout) {
		t.Error("ErrTimeout should not be a not-found error")
	}
}

func TestIsMalformedOutput(t *testing.T) {
	if !IsMalformedOutput(&UpdaterError{Op: "engine.Compute", Kind: "engine", Err: ErrMalformedEngineOutput}) {
		t.Error("UpdaterError wrapping ErrMalformedEngineOutput should be malformed output")
	}
	if !IsMalformedOutput(ErrMalformedLabels) {
		t.Error("ErrMalformedLabels should be malformed output")
	}
	if IsMalformedOutput(ErrEngineUnavailable) {
		t.Error("ErrEngineUnavailable should not be malformed output")
	}
}

func TestIsStateError(t *testing.T) {
	for _, err := range []error{ErrScanInProgress, ErrPoolRunning, ErrPoolNotRunning, ErrAlreadyStarted} {
		if !IsStateError(err) {
			t.Errorf("%v should be a state error", err)
		}
	}
	if IsStateError(ErrInvalidConfiguration) {
		t.Error("ErrInvalidConfiguration should not be a state error")
	}
}

func TestUpdaterError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *UpdaterError
		expected string
	}{
		{
			name:     "op and wrapped error",
			err:      &UpdaterError{Op: "store.Claim", Err: ErrQueueUnavailable},
			expected: "store.Claim: job queue unavailable",
		},
		{
			name:     "op, id and wrapped error",
			err:      &UpdaterError{Op: "update.phase1", ID: "42", Err: ErrSnapshotNotFound},
			expected: "update.phase1 [42]: snapshot not found",
		},
		{
			name:     "op, message and wrapped error",
			err:      &UpdaterError{Op: "Config.Validate", Message: "batch size out of range", Err: ErrInvalidConfiguration},
			expected: "Config.Validate: batch size out of range: invalid configuration",
		},
		{
			name:     "message only",
			err:      &UpdaterError{Message: "something happened"},
			expected: "something happened",
		},
		{
			name:     "kind only",
			err:      &UpdaterError{Kind: "engine"},
			expected: "engine error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestUpdaterError_Unwrap(t *testing.T) {
	err := NewUpdaterError("engine.Compute", "engine", ErrEngineUnavailable)
	wrapped := fmt.Errorf("fetching: %w", err)

	if !errors.Is(wrapped, ErrEngineUnavailable) {
		t.Error("errors.Is should find ErrEngineUnavailable through UpdaterError")
	}

	var ue *UpdaterError
	if !errors.As(wrapped, &ue) {
		t.Fatal("errors.As should extract *UpdaterError")
	}
	if ue.Kind != "engine" {
		t.Errorf("Kind = %q, want %q", ue.Kind, "engine")
	}
}
