package trace_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"traceline/internal/trace"
)

func newGraph(t *testing.T) *trace.Graph {
	t.Helper()
	g, err := trace.NewGraph("exec-1", "core-span-1", "")
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	g.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return g
}

func TestNewGraphRequiresParent(t *testing.T) {
	_, err := trace.NewGraph("exec-1", "", "")
	if !errors.Is(err, trace.ErrMissingParentSpan) {
		t.Fatalf("expected ErrMissingParentSpan, got %v", err)
	}
}

func TestCompleteRepoRequiresAgentSpan(t *testing.T) {
	g := newGraph(t)
	if err := g.CompleteRepo(); !errors.Is(err, trace.ErrNoAgentSpans) {
		t.Fatalf("expected ErrNoAgentSpans, got %v", err)
	}
	id := g.StartAgentSpan("decomposer")
	if err := g.CompleteAgentSpan(id, []trace.Artifact{{Name: "plan", ArtifactType: "decision_event", Reference: "ref-1"}}); err != nil {
		t.Fatalf("complete agent span: %v", err)
	}
	if err := g.CompleteRepo(); err != nil {
		t.Fatalf("complete repo: %v", err)
	}
	if got := g.RepoSpan().Status; got != trace.StatusCompleted {
		t.Fatalf("repo span status = %s", got)
	}
}

func TestTerminalSpanTransitionsRejected(t *testing.T) {
	g := newGraph(t)
	id := g.StartAgentSpan("clarifier")
	if err := g.CompleteAgentSpan(id, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := g.CompleteAgentSpan(id, nil); !errors.Is(err, trace.ErrSpanCompleted) {
		t.Fatalf("expected ErrSpanCompleted, got %v", err)
	}
	if err := g.FailAgentSpan(id, "late failure"); !errors.Is(err, trace.ErrSpanCompleted) {
		t.Fatalf("expected ErrSpanCompleted on fail, got %v", err)
	}
}

func TestFailAgentSpanRecordsReason(t *testing.T) {
	g := newGraph(t)
	id := g.StartAgentSpan("reflector")
	if err := g.FailAgentSpan(id, "schema mismatch"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	spans := g.AgentSpans()
	if len(spans) != 1 || spans[0].Status != trace.StatusFailed {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if spans[0].FailureReason == nil || *spans[0].FailureReason != "schema mismatch" {
		t.Fatalf("failure reason not recorded")
	}
}

func TestUnknownSpan(t *testing.T) {
	g := newGraph(t)
	if err := g.CompleteAgentSpan("nope", nil); !errors.Is(err, trace.ErrSpanNotFound) {
		t.Fatalf("expected ErrSpanNotFound, got %v", err)
	}
}

func TestFailRepoPreservesSpans(t *testing.T) {
	g := newGraph(t)
	a := g.StartAgentSpan("decomposer")
	_ = g.CompleteAgentSpan(a, nil)
	b := g.StartAgentSpan("clarifier")
	_ = g.FailAgentSpan(b, "boom")
	g.FailRepo("downstream failure")

	repo := g.RepoSpan()
	if repo.Status != trace.StatusFailed || repo.FailureReason == nil {
		t.Fatalf("repo span not failed: %+v", repo)
	}
	if len(g.AgentSpans()) != 2 {
		t.Fatalf("agent spans dropped on fail")
	}
}

func TestToJSON(t *testing.T) {
	g := newGraph(t)
	id := g.StartAgentSpan("decomposer")
	_ = g.CompleteAgentSpan(id, nil)
	_ = g.CompleteRepo()

	data, err := g.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	var decoded struct {
		ExecutionID string       `json:"execution_id"`
		RepoSpanID  string       `json:"repo_span_id"`
		Spans       []trace.Span `json:"spans"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ExecutionID != "exec-1" || len(decoded.Spans) != 2 {
		t.Fatalf("unexpected graph json: %+v", decoded)
	}
	for _, s := range decoded.Spans {
		if len(s.SpanID) != 16 {
			t.Fatalf("span id %q not 16 hex chars", s.SpanID)
		}
	}
}
