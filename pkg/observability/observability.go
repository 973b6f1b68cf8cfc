// Package observability wires OpenTelemetry metrics for the pipeline:
// submission, approval, and rejection counters plus push-event volume.
// The provider defaults to an in-process manual reader so embedding
// applications can scrape without an exporter; Shutdown flushes and
// releases the SDK.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const instrumentationName = "voidsync"

// Provider owns the meter provider and the pipeline instruments.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader
	logger        *slog.Logger

	submissions metric.Int64Counter
	approvals   metric.Int64Counter
	rejections  metric.Int64Counter
	drifts      metric.Int64Counter
	pushEvents  metric.Int64Counter
}

// New builds a provider with a manual reader.
func New(serviceName string, logger *slog.Logger) (*Provider, error) {
	if serviceName == "" {
		serviceName = instrumentationName
	}
	if logger == nil {
		logger = slog.Default()
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	p := &Provider{meterProvider: mp, reader: reader, logger: logger}

	meter := mp.Meter(instrumentationName)
	if p.submissions, err = meter.Int64Counter("voidsync.changes.submitted",
		metric.WithDescription("Changes accepted into the pending queue")); err != nil {
		return nil, err
	}
	if p.approvals, err = meter.Int64Counter("voidsync.changes.approved",
		metric.WithDescription("Changes promoted to production")); err != nil {
		return nil, err
	}
	if p.rejections, err = meter.Int64Counter("voidsync.changes.rejected",
		metric.WithDescription("Changes rejected by operators or the pipeline")); err != nil {
		return nil, err
	}
	if p.drifts, err = meter.Int64Counter("voidsync.changes.drifted",
		metric.WithDescription("Approvals paused because production drifted")); err != nil {
		return nil, err
	}
	if p.pushEvents, err = meter.Int64Counter("voidsync.push.events",
		metric.WithDescription("Envelopes published to the event bus")); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) RecordSubmission(ctx context.Context, agentID string) {
	p.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (p *Provider) RecordApproval(ctx context.Context, agentID string) {
	p.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (p *Provider) RecordRejection(ctx context.Context, agentID, source string) {
	p.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("source", source),
	))
}

func (p *Provider) RecordDrift(ctx context.Context, path string) {
	p.drifts.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

func (p *Provider) RecordPushEvent(ctx context.Context, msgType string) {
	p.pushEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// Collect reads the current metric state into rm. Used by tests and by
// embedders that scrape on their own schedule.
func (p *Provider) Collect(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	return p.reader.Collect(ctx, rm)
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}
