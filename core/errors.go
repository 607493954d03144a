package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	// Conversation-related errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSnapshotNotFound     = errors.New("snapshot not found")

	// External engine errors
	ErrEngineUnavailable     = errors.New("clustering engine unavailable")
	ErrMalformedEngineOutput = errors.New("malformed clustering engine output")

	// Enrichment errors (never fatal for a recomputation)
	ErrLabelingFailed    = errors.New("labeling failed")
	ErrMalformedLabels   = errors.New("malformed labeling output")
	ErrTranslationFailed = errors.New("translation failed")

	// Queue errors
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidPayload   = errors.New("invalid job payload")
	ErrQueueUnavailable = errors.New("job queue unavailable")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrScanInProgress  = errors.New("scan already in progress")
	ErrCheckInProgress = errors.New("watchdog check already in progress")
	ErrPoolRunning     = errors.New("worker pool already running")
	ErrPoolNotRunning  = errors.New("worker pool not running")
	ErrAlreadyStarted  = errors.New("already started")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
)

// UpdaterError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type UpdaterError struct {
	Op      string // Operation that failed (e.g., "update.phase1")
	Kind    string // Error kind (e.g., "engine", "store", "config")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *UpdaterError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.Message != "" {
			if e.ID != "" {
				return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.ID, e.Message, e.Err)
			}
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *UpdaterError) Unwrap() error {
	return e.Err
}

// NewUpdaterError creates a new UpdaterError
func NewUpdaterError(op, kind string, err error) *UpdaterError {
	return &UpdaterError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable reports whether an error is a transient condition that a
// later scan may succeed on.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrQueueUnavailable) ||
		errors.Is(err, ErrCircuitOpen)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsMalformedOutput checks if an error comes from unusable external output
func IsMalformedOutput(err error) bool {
	return errors.Is(err, ErrMalformedEngineOutput) ||
		errors.Is(err, ErrMalformedLabels)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrScanInProgress) ||
		errors.Is(err, ErrCheckInProgress) ||
		errors.Is(err, ErrPoolRunning) ||
		errors.Is(err, ErrPoolNotRunning) ||
		errors.Is(err, ErrAlreadyStarted)
}
