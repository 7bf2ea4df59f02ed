package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNew_NoopProvider(t *testing.T) {
	m := New(noop.NewMeterProvider())
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.dispatchAttempts == nil || m.webhookDeliveries == nil || m.renderDuration == nil {
		t.Error("instruments not created")
	}

	ctx := context.Background()
	m.DispatchAttempt(ctx, "replicate", "accepted")
	m.DispatchFallback(ctx, "replicate", "local")
	m.WebhookDelivery(ctx, "applied")
	m.BatchFinalized(ctx, "completed")
	m.RenderFinished(ctx, "completed", 1500*time.Millisecond)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.DispatchAttempt(ctx, "p", "rejected")
	m.DispatchFallback(ctx, "a", "b")
	m.WebhookDelivery(ctx, "duplicate")
	m.BatchFinalized(ctx, "failed")
	m.RenderFinished(ctx, "failed", time.Second)
}

func TestNewNoop(t *testing.T) {
	if NewNoop() == nil {
		t.Error("NewNoop() returned nil")
	}
}
