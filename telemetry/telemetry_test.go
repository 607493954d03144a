package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zkorum/mathupdater/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	SetInstruments(NewMetricInstrumentsWithMeter(mp.Meter("test")))
	t.Cleanup(func() {
		SetInstruments(nil)
		_ = mp.Shutdown(context.Background())
	})
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestCounterAndHistogram(t *testing.T) {
	reader := setupTestMeter(t)

	Counter("mathupdater.scans", "result", "completed")
	Counter("mathupdater.scans", "result", "completed")
	Add("mathupdater.jobs.enqueued", 3)
	Duration("mathupdater.scan.duration_ms", time.Now().Add(-50*time.Millisecond))

	data := collect(t, reader)

	scans, ok := data["mathupdater.scans"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, scans.DataPoints, 1)
	assert.Equal(t, int64(2), scans.DataPoints[0].Value)
	v, _ := scans.DataPoints[0].Attributes.Value("result")
	assert.Equal(t, "completed", v.AsString())

	enqueued, ok := data["mathupdater.jobs.enqueued"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), enqueued.DataPoints[0].Value)

	hist, ok := data["mathupdater.scan.duration_ms"].(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.GreaterOrEqual(t, hist.DataPoints[0].Sum, 50.0)
}

func TestGauge(t *testing.T) {
	reader := setupTestMeter(t)

	pending := 4.0
	require.NoError(t, Gauge("mathupdater.jobs.pending", "pending jobs", func() float64 { return pending }))

	data := collect(t, reader)
	g, ok := data["mathupdater.jobs.pending"].(metricdata.Gauge[float64])
	require.True(t, ok)
	assert.Equal(t, 4.0, g.DataPoints[0].Value)
}

func TestLabelAttributes_DropsDanglingKey(t *testing.T) {
	attrs := labelAttributes([]string{"a", "1", "b"})
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("a"), attrs[0].Key)
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "update")
	AddSpanEvent(ctx, "phase1.committed", attribute.Int("clusters", 3))
	SetSpanAttributes(ctx, attribute.Int64("conversation_id", 9))
	RecordSpanError(ctx, errors.New("engine down"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	var names []string
	for _, e := range ended[0].Events() {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "phase1.committed")
	assert.Contains(t, names, "exception")

	// no span in context, nil error: must not panic
	AddSpanEvent(context.Background(), "ignored")
	RecordSpanError(ctx, nil)
}

func TestInitialize_Disabled(t *testing.T) {
	p, err := Initialize(context.Background(), core.TelemetryConfig{Enabled: false}, "math-updater")
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitialize_UnknownExporter(t *testing.T) {
	_, err := Initialize(context.Background(), core.TelemetryConfig{Enabled: true, Exporter: "zipkin"}, "math-updater")
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}
