package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTel emits one short span per lifecycle event through the globally
// configured tracer provider. With no provider installed the calls are no-ops.
type OTel struct {
	Tracer trace.Tracer
}

func NewOTel() OTel {
	return OTel{Tracer: otel.Tracer("traceline/agents")}
}

func (o OTel) RecordStart(ctx context.Context, agentID, executionRef string, input map[string]any) {
	_, span := o.Tracer.Start(ctx, "agent.invoke.start")
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("agent.execution_ref", executionRef),
		attribute.Int("agent.input_fields", len(input)),
	)
	span.End()
}

func (o OTel) RecordSuccess(ctx context.Context, agentID, executionRef string, durationMs int64) {
	_, span := o.Tracer.Start(ctx, "agent.invoke.success")
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("agent.execution_ref", executionRef),
		attribute.Int64("agent.duration_ms", durationMs),
	)
	span.End()
}

func (o OTel) RecordFailure(ctx context.Context, agentID, executionRef, errorCode, errorMessage string) {
	_, span := o.Tracer.Start(ctx, "agent.invoke.failure")
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("agent.execution_ref", executionRef),
		attribute.String("agent.error_code", errorCode),
	)
	span.RecordError(errors.New(errorMessage))
	span.SetStatus(codes.Error, errorCode)
	span.End()
}
