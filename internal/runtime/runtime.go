// Package runtime is the shared invocation pattern every analytical engine
// follows: validate input, analyze (pure), validate output, clamp confidence,
// build the decision event, persist best-effort, emit telemetry.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"traceline/internal/contract"
	"traceline/internal/schema"
	"traceline/internal/store"
	"traceline/internal/telemetry"
)

type Descriptor struct {
	ID           string
	Version      string
	DecisionType string
}

// Outcome is what an engine's pure analysis returns. Confidence is clamped
// by the runtime, so engines may report raw heuristic scores.
type Outcome struct {
	Outputs     any
	Confidence  float64
	Constraints []string
}

// Agent is one analytical engine. ParseInput returns schema errors for
// malformed input; Analyze must be pure: no I/O, no randomness beyond UUID
// generation for new identifiers.
type Agent interface {
	Descriptor() Descriptor
	ParseInput(raw map[string]any) (any, error)
	Analyze(in any) (Outcome, error)
}

const (
	StatusSuccess = "success"
	StatusError   = "error"

	PersistenceStored  = "stored"
	PersistenceSkipped = "skipped"

	CodeValidationFailed = "validation_failed"
	CodeProcessingError  = "processing_error"
)

type PersistenceStatus struct {
	Status string `json:"status" enum:"stored,skipped"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result is the tagged union returned by Invoke: success carries the event
// and its persistence status, error carries a code and message.
type Result struct {
	Status            string                  `json:"status" enum:"success,error"`
	Event             *contract.DecisionEvent `json:"event,omitempty"`
	PersistenceStatus *PersistenceStatus      `json:"persistence_status,omitempty"`
	ErrorCode         string                  `json:"error_code,omitempty"`
	ErrorMessage      string                  `json:"error_message,omitempty"`
	ExecutionRef      string                  `json:"execution_ref,omitempty"`
}

// Outputs may never claim orchestration authority: agents do not assign
// work, allocate resources, or schedule each other.
var forbiddenOutputFields = []string{"assigned_agent", "resource_allocation", "scheduled_at"}

type Runtime struct {
	Ledger    store.Ledger
	Telemetry telemetry.Emitter
	Now       func() time.Time
}

func New(ledger store.Ledger, emitter telemetry.Emitter) Runtime {
	return Runtime{Ledger: ledger, Telemetry: emitter, Now: time.Now}
}

func (r Runtime) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Runtime) emitter() telemetry.Emitter {
	if r.Telemetry != nil {
		return r.Telemetry
	}
	return telemetry.Nop{}
}

// Invoke runs one agent invocation end to end. A persistence failure is
// downgraded to persistence_status "skipped" on a success result; the
// analytical output is never withheld because the ledger write failed.
func (r Runtime) Invoke(ctx context.Context, agent Agent, raw map[string]any, executionRef string) Result {
	if executionRef == "" {
		executionRef = uuid.NewString()
	}
	desc := agent.Descriptor()
	started := r.now()
	r.emitter().RecordStart(ctx, desc.ID, executionRef, raw)

	parsed, err := agent.ParseInput(raw)
	if err != nil {
		return r.fail(ctx, desc, executionRef, err)
	}

	out, err := analyze(agent, parsed)
	if err != nil {
		return r.fail(ctx, desc, executionRef, err)
	}
	if err := checkOutputs(out.Outputs); err != nil {
		return r.fail(ctx, desc, executionRef, err)
	}

	ev, err := contract.New(desc.ID, desc.Version, desc.DecisionType,
		raw, out.Outputs, clamp01(out.Confidence), out.Constraints, executionRef, r.now())
	if err != nil {
		return r.fail(ctx, desc, executionRef, err)
	}

	ps := PersistenceStatus{Status: PersistenceStored}
	if r.Ledger == nil {
		ps = PersistenceStatus{Status: PersistenceSkipped, Error: "no ledger configured"}
	} else if id, err := r.Ledger.Store(ctx, ev); err != nil {
		ps = PersistenceStatus{Status: PersistenceSkipped, Error: err.Error()}
	} else {
		ps.ID = id
	}

	r.emitter().RecordSuccess(ctx, desc.ID, executionRef, r.now().Sub(started).Milliseconds())
	return Result{
		Status:            StatusSuccess,
		Event:             &ev,
		PersistenceStatus: &ps,
		ExecutionRef:      executionRef,
	}
}

func (r Runtime) fail(ctx context.Context, desc Descriptor, executionRef string, err error) Result {
	code := CodeProcessingError
	if schema.IsValidation(err) {
		code = CodeValidationFailed
	}
	r.emitter().RecordFailure(ctx, desc.ID, executionRef, code, err.Error())
	return Result{
		Status:       StatusError,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
		ExecutionRef: executionRef,
	}
}

// analyze shields the pipeline from panics in engine code; a panic is a bug
// reported as a processing error, not a crash.
func analyze(agent Agent, in any) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("analysis panic: %v", p)
		}
	}()
	return agent.Analyze(in)
}

func checkOutputs(outputs any) error {
	if outputs == nil {
		var verr schema.Errors
		verr.Add("outputs", "analysis produced no outputs")
		return &verr
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	var top map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		// Non-object outputs are allowed; the envelope treats them as opaque.
		return nil
	}
	var verr schema.Errors
	for _, field := range forbiddenOutputFields {
		if _, ok := top[field]; ok {
			verr.Add("outputs."+field, "forbidden field in agent output")
		}
	}
	return verr.OrNil()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
