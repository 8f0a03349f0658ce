// Package trace builds the hierarchical execution graph for one request:
// a repo-level span anchored to the caller's core span, with one agent-level
// span per recorded analytical decision.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const RepoName = "traceline"

const (
	SpanCore  = "core"
	SpanRepo  = "repo"
	SpanAgent = "agent"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrMissingParentSpan: a graph can never be rooted locally; it must be
	// anchored to the caller's span.
	ErrMissingParentSpan = errors.New("missing parent_span_id: execution requires a parent span from the caller")
	// ErrNoAgentSpans: a repo-level invocation without at least one recorded
	// analytical decision is an invalid terminal state.
	ErrNoAgentSpans  = errors.New("no agent-level spans emitted")
	ErrSpanNotFound  = errors.New("span not found")
	ErrSpanCompleted = errors.New("span already completed")
)

// Artifact is a machine-verifiable output attached to a completed span.
type Artifact struct {
	Name         string `json:"name"`
	ArtifactType string `json:"artifact_type"`
	Reference    string `json:"reference"`
	Data         any    `json:"data,omitempty"`
}

type Span struct {
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id"`
	TraceID       string            `json:"trace_id"`
	SpanType      string            `json:"span_type" enum:"core,repo,agent"`
	RepoName      string            `json:"repo_name,omitempty"`
	AgentName     string            `json:"agent_name,omitempty"`
	Status        string            `json:"status" enum:"running,completed,failed"`
	StartTime     string            `json:"start_time" format:"date-time"`
	EndTime       *string           `json:"end_time,omitempty" format:"date-time"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	Artifacts     []Artifact        `json:"artifacts"`
	Attributes    map[string]string `json:"attributes"`
}

// Graph is the append-only span list for one request. It is owned by that
// request and must not be shared across concurrent requests.
type Graph struct {
	ExecutionID string
	RepoSpanID  string
	Now         func() time.Time

	spans []Span
}

// NewSpanID returns the first 16 hex chars of a dash-stripped UUID.
func NewSpanID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewGraph opens a graph with a running repo-level span parented to the
// caller's span. An empty traceID allocates a fresh one.
func NewGraph(executionID, parentSpanID, traceID string) (*Graph, error) {
	if parentSpanID == "" {
		return nil, ErrMissingParentSpan
	}
	if traceID == "" {
		traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	g := &Graph{
		ExecutionID: executionID,
		RepoSpanID:  NewSpanID(),
		Now:         time.Now,
	}
	g.spans = append(g.spans, Span{
		SpanID:       g.RepoSpanID,
		ParentSpanID: parentSpanID,
		TraceID:      traceID,
		SpanType:     SpanRepo,
		RepoName:     RepoName,
		Status:       StatusRunning,
		StartTime:    g.now(),
		Artifacts:    []Artifact{},
		Attributes:   map[string]string{},
	})
	return g, nil
}

func (g *Graph) now() string {
	if g.Now == nil {
		g.Now = time.Now
	}
	return g.Now().UTC().Format(time.RFC3339Nano)
}

// StartAgentSpan opens an agent-level span under the repo span and returns
// its id for later completion or failure.
func (g *Graph) StartAgentSpan(agentName string) string {
	id := NewSpanID()
	g.spans = append(g.spans, Span{
		SpanID:       id,
		ParentSpanID: g.RepoSpanID,
		TraceID:      g.spans[0].TraceID,
		SpanType:     SpanAgent,
		RepoName:     RepoName,
		AgentName:    agentName,
		Status:       StatusRunning,
		StartTime:    g.now(),
		Artifacts:    []Artifact{},
		Attributes:   map[string]string{},
	})
	return id
}

func (g *Graph) findRunning(spanID string) (*Span, error) {
	for i := range g.spans {
		if g.spans[i].SpanID == spanID {
			if g.spans[i].Status != StatusRunning {
				return nil, fmt.Errorf("%w: %s", ErrSpanCompleted, spanID)
			}
			return &g.spans[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSpanNotFound, spanID)
}

// CompleteAgentSpan closes an agent span successfully, attaching artifacts.
func (g *Graph) CompleteAgentSpan(spanID string, artifacts []Artifact) error {
	span, err := g.findRunning(spanID)
	if err != nil {
		return err
	}
	end := g.now()
	span.Status = StatusCompleted
	span.EndTime = &end
	if artifacts != nil {
		span.Artifacts = artifacts
	}
	return nil
}

// FailAgentSpan closes an agent span as failed with a reason.
func (g *Graph) FailAgentSpan(spanID, reason string) error {
	span, err := g.findRunning(spanID)
	if err != nil {
		return err
	}
	end := g.now()
	span.Status = StatusFailed
	span.EndTime = &end
	span.FailureReason = &reason
	return nil
}

// Validate checks the graph invariant: at least one agent-level span exists.
func (g *Graph) Validate() error {
	for _, s := range g.spans {
		if s.SpanType == SpanAgent {
			return nil
		}
	}
	return ErrNoAgentSpans
}

// CompleteRepo validates the graph and closes the repo span.
func (g *Graph) CompleteRepo() error {
	if err := g.Validate(); err != nil {
		return err
	}
	span, err := g.findRunning(g.RepoSpanID)
	if err != nil {
		return err
	}
	end := g.now()
	span.Status = StatusCompleted
	span.EndTime = &end
	return nil
}

// FailRepo closes the repo span as failed. All emitted spans are preserved.
func (g *Graph) FailRepo(reason string) {
	for i := range g.spans {
		if g.spans[i].SpanID == g.RepoSpanID && g.spans[i].Status == StatusRunning {
			end := g.now()
			g.spans[i].Status = StatusFailed
			g.spans[i].EndTime = &end
			g.spans[i].FailureReason = &reason
		}
	}
}

// RepoSpan returns a copy of the repo-level span.
func (g *Graph) RepoSpan() Span {
	for _, s := range g.spans {
		if s.SpanID == g.RepoSpanID {
			return s
		}
	}
	return Span{}
}

// AgentSpans returns copies of the agent-level spans in emission order.
func (g *Graph) AgentSpans() []Span {
	var out []Span
	for _, s := range g.spans {
		if s.SpanType == SpanAgent {
			out = append(out, s)
		}
	}
	return out
}

// Spans returns a copy of the full span list in emission order.
func (g *Graph) Spans() []Span {
	out := make([]Span, len(g.spans))
	copy(out, g.spans)
	return out
}

type graphJSON struct {
	ExecutionID string `json:"execution_id"`
	RepoSpanID  string `json:"repo_span_id"`
	Spans       []Span `json:"spans"`
}

// ToJSON serializes the full span list for the external trace collector.
func (g *Graph) ToJSON() ([]byte, error) {
	return json.Marshal(graphJSON{
		ExecutionID: g.ExecutionID,
		RepoSpanID:  g.RepoSpanID,
		Spans:       g.spans,
	})
}
