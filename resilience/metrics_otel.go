package resilience

import (
	"github.com/zkorum/mathupdater/telemetry"
)

// Metric names emitted by TelemetryMetrics
const (
	MetricCircuitSuccess     = "mathupdater.circuit_breaker.success"
	MetricCircuitFailure     = "mathupdater.circuit_breaker.failure"
	MetricCircuitRejected    = "mathupdater.circuit_breaker.rejected"
	MetricCircuitStateChange = "mathupdater.circuit_breaker.state_change"
)

// TelemetryMetrics implements MetricsCollector on the telemetry package
type TelemetryMetrics struct{}

// NewTelemetryMetrics creates a MetricsCollector backed by OpenTelemetry
func NewTelemetryMetrics() *TelemetryMetrics {
	return &TelemetryMetrics{}
}

func (t *TelemetryMetrics) RecordSuccess(name string) {
	telemetry.Counter(MetricCircuitSuccess, "circuit_breaker", name)
}

func (t *TelemetryMetrics) RecordFailure(name string, errorType string) {
	telemetry.Counter(MetricCircuitFailure, "circuit_breaker", name, "error_type", errorType)
}

func (t *TelemetryMetrics) RecordStateChange(name string, from, to string) {
	telemetry.Counter(MetricCircuitStateChange, "circuit_breaker", name, "from_state", from, "to_state", to)
}

func (t *TelemetryMetrics) RecordRejection(name string) {
	telemetry.Counter(MetricCircuitRejected, "circuit_breaker", name)
}

// RegisterStateGauge exposes the breaker state as 0 (closed), 0.5
// (half-open) or 1 (open).
func RegisterStateGauge(cb *CircuitBreaker) error {
	return telemetry.Gauge("mathupdater.circuit_breaker."+cb.config.Name+".state",
		"Current state of the circuit breaker (0=closed, 0.5=half-open, 1=open)",
		func() float64 {
			switch cb.GetState() {
			case "open":
				return 1
			case "half-open":
				return 0.5
			default:
				return 0
			}
		})
}
