package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments the services record against. All methods
// are safe to call on a nil receiver, so telemetry can stay optional.
type Metrics struct {
	runsSynced      metric.Int64Counter
	webhooksApplied metric.Int64Counter
	webhooksDropped metric.Int64Counter
	stagesExecuted  metric.Int64Counter
	remediations    metric.Int64Counter
	stageDuration   metric.Float64Histogram
	syncDuration    metric.Float64Histogram
}

// NewMetrics registers Drover's instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("drover")

	m := &Metrics{}
	var err error

	if m.runsSynced, err = meter.Int64Counter("drover.runs.synced",
		metric.WithDescription("Agent run snapshots applied during sync")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.webhooksApplied, err = meter.Int64Counter("drover.webhooks.applied",
		metric.WithDescription("Webhook updates correlated and applied")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.webhooksDropped, err = meter.Int64Counter("drover.webhooks.dropped",
		metric.WithDescription("Webhook updates dropped as unknown, stale or duplicate")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.stagesExecuted, err = meter.Int64Counter("drover.stages.executed",
		metric.WithDescription("Validation stages executed")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.remediations, err = meter.Int64Counter("drover.remediations.dispatched",
		metric.WithDescription("Remediation agent runs dispatched")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.stageDuration, err = meter.Float64Histogram("drover.stage.duration",
		metric.WithDescription("Validation stage duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}
	if m.syncDuration, err = meter.Float64Histogram("drover.sync.duration",
		metric.WithDescription("Full sync duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}

	return m, nil
}

// RunSynced records one applied run snapshot for the given source.
func (m *Metrics) RunSynced(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.runsSynced.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// WebhookApplied records one correlated webhook update.
func (m *Metrics) WebhookApplied(ctx context.Context) {
	if m == nil {
		return
	}
	m.webhooksApplied.Add(ctx, 1)
}

// WebhookDropped records one dropped webhook update with the drop reason.
func (m *Metrics) WebhookDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.webhooksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// StageExecuted records one executed stage and its duration.
func (m *Metrics) StageExecuted(ctx context.Context, stage string, success bool, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("success", success),
	)
	m.stagesExecuted.Add(ctx, 1, attrs)
	m.stageDuration.Record(ctx, seconds, attrs)
}

// RemediationDispatched records one remediation run dispatch.
func (m *Metrics) RemediationDispatched(ctx context.Context) {
	if m == nil {
		return
	}
	m.remediations.Add(ctx, 1)
}

// SyncCompleted records the duration of one full sync.
func (m *Metrics) SyncCompleted(ctx context.Context, orgID string, seconds float64) {
	if m == nil {
		return
	}
	m.syncDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("org_id", orgID)))
}
