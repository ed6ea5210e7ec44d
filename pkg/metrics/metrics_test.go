package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := New(mp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %s not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s: expected Sum[int64], got %T", name, m.Data)
	}
	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestCallLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.CallStarted(ctx)
	m.CallStarted(ctx)
	m.CallEnded(ctx, "completed", 90*time.Second)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "callbridge.calls.active"); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	if got := sumFor(t, rm, "callbridge.calls.total"); got != 2 {
		t.Fatalf("total = %d, want 2", got)
	}
	hist, ok := findMetric(rm, "callbridge.call.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 90 {
		t.Fatalf("unexpected duration histogram %+v", hist)
	}
}

func TestCountersWithAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.BargeIn(ctx, true)
	m.BargeIn(ctx, false)
	m.BargeIn(ctx, false)
	m.FrameDropped(ctx, "not_initialized")
	m.AIError(ctx, "response_cancel_not_active", true)
	m.FieldCaptured(ctx, "email")
	m.DTMF(ctx)
	m.IVRMenu(ctx, false)

	rm := collect(t, reader)
	cases := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"callbridge.bargein.confirmed", nil, 1},
		{"callbridge.bargein.discarded", nil, 2},
		{"callbridge.frames.dropped", []attribute.KeyValue{attribute.String("reason", "not_initialized")}, 1},
		{"callbridge.ai.errors", []attribute.KeyValue{attribute.String("code", "response_cancel_not_active"), attribute.Bool("benign", true)}, 1},
		{"callbridge.fields.captured", []attribute.KeyValue{attribute.String("field", "email")}, 1},
		{"callbridge.dtmf.sent", nil, 1},
		{"callbridge.ivr.menus", []attribute.KeyValue{attribute.Bool("actionable", false)}, 1},
	}
	for _, tc := range cases {
		if got := sumFor(t, rm, tc.name, tc.attrs...); got != tc.want {
			t.Fatalf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestNoopRecordsNothing(t *testing.T) {
	m := Noop()
	ctx := context.Background()
	m.CallStarted(ctx)
	m.CallEnded(ctx, "completed", time.Second)
	m.BargeIn(ctx, true)
}
