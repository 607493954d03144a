package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments caches metric instruments by name so hot paths do not
// re-create them on every emission.
type MetricInstruments struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Registration
	mu         sync.RWMutex
}

// NewMetricInstruments creates an instrument cache on the global meter
// provider. Instruments created before Initialize are upgraded in place
// once a real provider is installed.
func NewMetricInstruments(meterName string) *MetricInstruments {
	return NewMetricInstrumentsWithMeter(otel.Meter(meterName))
}

// NewMetricInstrumentsWithMeter creates an instrument cache on meter.
func NewMetricInstrumentsWithMeter(meter metric.Meter) *MetricInstruments {
	return &MetricInstruments{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Registration),
	}
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value in a histogram
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RegisterGauge registers an observable gauge read through fn on every
// collection. Registering the same name twice replaces the callback.
func (m *MetricInstruments) RegisterGauge(name, description string, fn func() float64) error {
	gauge, err := m.meter.Float64ObservableGauge(name, metric.WithDescription(description))
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}

	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, fn())
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.gauges[name]; ok {
		_ = old.Unregister()
	}
	m.gauges[name] = reg
	return nil
}

// Shutdown unregisters every gauge callback.
func (m *MetricInstruments) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, reg := range m.gauges {
		if err := reg.Unregister(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to unregister gauge %s: %w", name, err)
		}
		delete(m.gauges, name)
	}
	return firstErr
}
