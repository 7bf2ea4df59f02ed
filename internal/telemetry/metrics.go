// Package telemetry holds the OpenTelemetry metric instruments recorded by
// the dispatcher, the webhook handler, the batch finalizer and the render
// queue.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of every renderd instrument.
const MeterName = "github.com/estatereel/renderd"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	dispatchAttempts  metric.Int64Counter
	dispatchFallbacks metric.Int64Counter
	webhookDeliveries metric.Int64Counter
	batchFinalized    metric.Int64Counter
	queueRenders      metric.Int64Counter
	renderDuration    metric.Float64Histogram
}

// New creates the instruments from mp.
func New(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error

	m.dispatchAttempts, err = meter.Int64Counter(
		"renderd.dispatch.attempts",
		metric.WithDescription("Provider attempts by provider and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		m.dispatchAttempts, _ = meter.Int64Counter("renderd.dispatch.attempts")
	}

	m.dispatchFallbacks, err = meter.Int64Counter(
		"renderd.dispatch.fallbacks",
		metric.WithDescription("Dispatches that moved past the primary provider"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		m.dispatchFallbacks, _ = meter.Int64Counter("renderd.dispatch.fallbacks")
	}

	m.webhookDeliveries, err = meter.Int64Counter(
		"renderd.webhook.deliveries",
		metric.WithDescription("Completion webhooks by handling outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		m.webhookDeliveries, _ = meter.Int64Counter("renderd.webhook.deliveries")
	}

	m.batchFinalized, err = meter.Int64Counter(
		"renderd.batch.finalized",
		metric.WithDescription("Batches that reached a terminal state"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		m.batchFinalized, _ = meter.Int64Counter("renderd.batch.finalized")
	}

	m.queueRenders, err = meter.Int64Counter(
		"renderd.queue.renders",
		metric.WithDescription("Local renders by terminal status"),
		metric.WithUnit("{render}"),
	)
	if err != nil {
		m.queueRenders, _ = meter.Int64Counter("renderd.queue.renders")
	}

	m.renderDuration, err = meter.Float64Histogram(
		"renderd.queue.render.duration",
		metric.WithDescription("Wall time of local renders in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.renderDuration, _ = meter.Float64Histogram("renderd.queue.render.duration")
	}

	return m
}

// NewNoop creates metrics that record nothing.
func NewNoop() *Metrics {
	return New(noop.NewMeterProvider())
}

func (m *Metrics) DispatchAttempt(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.dispatchAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) DispatchFallback(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.dispatchFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) WebhookDelivery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) BatchFinalized(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.batchFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RenderFinished(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.queueRenders.Add(ctx, 1, attrs)
	m.renderDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}
