// Package telemetry is the fire-and-forget observation collaborator.
// Emitter failures are swallowed, never propagated to the invocation.
package telemetry

import "context"

type Emitter interface {
	RecordStart(ctx context.Context, agentID, executionRef string, input map[string]any)
	RecordSuccess(ctx context.Context, agentID, executionRef string, durationMs int64)
	RecordFailure(ctx context.Context, agentID, executionRef, errorCode, errorMessage string)
}

// Nop discards all telemetry.
type Nop struct{}

func (Nop) RecordStart(context.Context, string, string, map[string]any) {}

func (Nop) RecordSuccess(context.Context, string, string, int64) {}

func (Nop) RecordFailure(context.Context, string, string, string, string) {}
