package server

import (
	"traceline/internal/contract"
	"traceline/internal/runtime"
	"traceline/internal/trace"
)

// Request payloads

type InvokeRequest struct {
	Input        map[string]any `json:"input" jsonschema:"type=object,additionalProperties=true"`
	ExecutionRef string         `json:"execution_ref,omitempty" format:"uuid"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
}

// Response payloads

type InvokeResponse struct {
	runtime.Result
	Trace     []trace.Span `json:"trace,omitempty"`
	InvokedBy string       `json:"invoked_by,omitempty"`
}

type EventResponse struct {
	Event contract.DecisionEvent `json:"event"`
}

type EventsResponse struct {
	Events []contract.DecisionEvent `json:"events"`
	Count  int                      `json:"count"`
}

type AgentInfo struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	DecisionType string `json:"decision_type"`
}

type AgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
}
