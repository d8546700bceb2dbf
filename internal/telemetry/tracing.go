// Package telemetry configures OpenTelemetry tracing for Conductor.
//
// One span covers each pending event the Orchestrator drains, and one
// span covers each attempt the Outbox Worker makes at a single GitHub
// write. Custom span attributes use the `conductor.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "conductor.dev/orchestrator"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initializes the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (a no-op shutdown
// is returned and the global provider is left untouched). Returns a
// shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("conductor"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartDrainSpan creates the span covering one pending event the
// Orchestrator's drain loop processes.
func StartDrainSpan(ctx context.Context, runID, eventType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "orchestrator.drain_event",
		trace.WithAttributes(
			attribute.String("conductor.run_id", runID),
			attribute.String("conductor.event_type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndDrainSpan enriches the drain span with its outcome.
func EndDrainSpan(span trace.Span, phaseAfter string, decisionEventsEmitted int) {
	span.SetAttributes(
		attribute.String("conductor.phase_after", phaseAfter),
		attribute.Int("conductor.decision_events_emitted", decisionEventsEmitted),
	)
	span.End()
}

// StartGateEvaluationSpan creates a span for one Gate Evaluator pass.
func StartGateEvaluationSpan(ctx context.Context, runID, gateID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gate.evaluate",
		trace.WithAttributes(
			attribute.String("conductor.run_id", runID),
			attribute.String("conductor.gate_id", gateID),
		),
	)
}

// EndGateEvaluationSpan enriches the gate span with its status.
func EndGateEvaluationSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("conductor.gate_status", status))
	span.End()
}

// StartOutboxAttemptSpan creates a span for one attempt at a single
// github_writes row, following the GenAI-style "one span per attempt"
// shape the Outbox Worker's retry loop needs.
func StartOutboxAttemptSpan(ctx context.Context, writeKind string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "outbox.attempt",
		trace.WithAttributes(
			attribute.String("conductor.write_kind", writeKind),
			attribute.Int("conductor.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndOutboxAttemptSpan enriches the outbox span with its result.
func EndOutboxAttemptSpan(span trace.Span, outcome string, httpStatus int) {
	span.SetAttributes(
		attribute.String("conductor.outcome", outcome),
		attribute.Int("conductor.http_status", httpStatus),
	)
	span.End()
}

// StartToolInvocationSpan creates a span for one Tool Sandbox invocation.
func StartToolInvocationSpan(ctx context.Context, runID, tool string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sandbox.invoke_tool",
		trace.WithAttributes(
			attribute.String("conductor.run_id", runID),
			attribute.String("conductor.tool", tool),
		),
	)
}

// EndToolInvocationSpan enriches the tool-invocation span with its
// outcome, recording whether policy blocked the call.
func EndToolInvocationSpan(span trace.Span, status string, blocked bool, blockReason string) {
	span.SetAttributes(
		attribute.String("conductor.status", status),
		attribute.Bool("conductor.blocked", blocked),
	)
	if blocked {
		span.SetAttributes(attribute.String("conductor.block_reason", blockReason))
	}
	span.End()
}
