package core

import "context"

// CircuitBreaker guards calls to an external dependency (the clustering
// engine, the labeling provider). When the failure threshold is reached the
// breaker opens and Execute returns ErrCircuitOpen without calling fn.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open. Only failures that
	// indicate an unhealthy dependency count toward opening it.
	Execute(ctx context.Context, fn func() error) error

	// GetState returns "closed", "open" or "half-open".
	GetState() string
}
