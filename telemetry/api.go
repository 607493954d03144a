package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every metric this service emits.
const MeterName = "github.com/zkorum/mathupdater"

var global atomic.Pointer[MetricInstruments]

func instruments() *MetricInstruments {
	if m := global.Load(); m != nil {
		return m
	}
	m := NewMetricInstruments(MeterName)
	if global.CompareAndSwap(nil, m) {
		return m
	}
	return global.Load()
}

// SetInstruments replaces the instrument cache used by the package-level
// helpers. Tests use it with a meter backed by a manual reader.
func SetInstruments(m *MetricInstruments) {
	global.Store(m)
}

// Counter increments a counter metric by 1.
// Labels are key-value pairs.
// Example: Counter("mathupdater.jobs", "outcome", "completed")
func Counter(name string, labels ...string) {
	_ = instruments().RecordCounter(context.Background(), name, 1,
		metric.WithAttributes(labelAttributes(labels)...))
}

// Add increments a counter metric by n.
func Add(name string, n int64, labels ...string) {
	if n == 0 {
		return
	}
	_ = instruments().RecordCounter(context.Background(), name, n,
		metric.WithAttributes(labelAttributes(labels)...))
}

// Histogram records a value in a distribution.
// Example: Histogram("mathupdater.engine.votes", 1200, "result", "ok")
func Histogram(name string, value float64, labels ...string) {
	_ = instruments().RecordHistogram(context.Background(), name, value,
		metric.WithAttributes(labelAttributes(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
//
//	start := time.Now()
//	defer Duration("mathupdater.scan.duration_ms", start)
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// Gauge registers fn as an observable gauge.
func Gauge(name, description string, fn func() float64) error {
	return instruments().RegisterGauge(name, description, fn)
}

// labelAttributes converts "k1", "v1", "k2", "v2" into attributes.
// A trailing key without value is dropped.
func labelAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
