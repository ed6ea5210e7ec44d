// Package metrics records bridge activity through the OpenTelemetry Metrics
// API. Production wires a Prometheus exporter via InitProvider; tests use a
// ManualReader or Noop.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/harunnryd/callbridge"

// Metrics holds every instrument. Fields are safe for concurrent use.
type Metrics struct {
	CallsActive  metric.Int64UpDownCounter
	CallsTotal   metric.Int64Counter
	CallDuration metric.Float64Histogram

	BargeInConfirmed metric.Int64Counter
	BargeInDiscarded metric.Int64Counter

	// FramesDropped uses attribute reason (not_initialized, malformed,
	// backpressure).
	FramesDropped metric.Int64Counter
	// AIErrors uses attributes code and benign.
	AIErrors metric.Int64Counter
	// FieldsCaptured uses attribute field.
	FieldsCaptured metric.Int64Counter
	DTMFSent       metric.Int64Counter
	// IVRMenus uses attribute actionable.
	IVRMenus metric.Int64Counter
}

var callBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600}

// New creates every instrument on mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallsActive, err = m.Int64UpDownCounter("callbridge.calls.active",
		metric.WithDescription("Number of calls currently bridged."),
	); err != nil {
		return nil, err
	}
	if met.CallsTotal, err = m.Int64Counter("callbridge.calls.total",
		metric.WithDescription("Total media streams started."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callbridge.call.duration",
		metric.WithDescription("Call length from stream start to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInConfirmed, err = m.Int64Counter("callbridge.bargein.confirmed",
		metric.WithDescription("Caller onsets that interrupted the agent."),
	); err != nil {
		return nil, err
	}
	if met.BargeInDiscarded, err = m.Int64Counter("callbridge.bargein.discarded",
		metric.WithDescription("Caller onsets that stopped inside the confirmation window."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callbridge.frames.dropped",
		metric.WithDescription("Frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.AIErrors, err = m.Int64Counter("callbridge.ai.errors",
		metric.WithDescription("Error events reported by the speech engine."),
	); err != nil {
		return nil, err
	}
	if met.FieldsCaptured, err = m.Int64Counter("callbridge.fields.captured",
		metric.WithDescription("Structured fields captured from agent output."),
	); err != nil {
		return nil, err
	}
	if met.DTMFSent, err = m.Int64Counter("callbridge.dtmf.sent",
		metric.WithDescription("DTMF sequences sent on the telephony leg."),
	); err != nil {
		return nil, err
	}
	if met.IVRMenus, err = m.Int64Counter("callbridge.ivr.menus",
		metric.WithDescription("Automated attendant menus detected in caller speech."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, err := New(noop.NewMeterProvider())
	if err != nil {
		panic("metrics: noop provider failed: " + err.Error())
	}
	return m
}

func (m *Metrics) CallStarted(ctx context.Context) {
	m.CallsActive.Add(ctx, 1)
	m.CallsTotal.Add(ctx, 1)
}

func (m *Metrics) CallEnded(ctx context.Context, reason string, d time.Duration) {
	m.CallsActive.Add(ctx, -1)
	m.CallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) BargeIn(ctx context.Context, confirmed bool) {
	if confirmed {
		m.BargeInConfirmed.Add(ctx, 1)
		return
	}
	m.BargeInDiscarded.Add(ctx, 1)
}

func (m *Metrics) FrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) AIError(ctx context.Context, code string, benign bool) {
	m.AIErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", code),
		attribute.Bool("benign", benign),
	))
}

func (m *Metrics) FieldCaptured(ctx context.Context, field string) {
	m.FieldsCaptured.Add(ctx, 1, metric.WithAttributes(attribute.String("field", field)))
}

func (m *Metrics) DTMF(ctx context.Context) {
	m.DTMFSent.Add(ctx, 1)
}

func (m *Metrics) IVRMenu(ctx context.Context, actionable bool) {
	m.IVRMenus.Add(ctx, 1, metric.WithAttributes(attribute.Bool("actionable", actionable)))
}
