package metareason

import "traceline/internal/contract"

// TraceFromEvent projects a ledger event into the trace form this engine
// consumes.
func TraceFromEvent(ev contract.DecisionEvent) ReasoningTrace {
	return ReasoningTrace{
		AgentID:            ev.AgentID,
		DecisionType:       ev.DecisionType,
		ExecutionRef:       ev.ExecutionRef,
		Timestamp:          ev.Timestamp,
		ReportedConfidence: ev.Confidence,
		ConstraintsApplied: ev.ConstraintsApplied,
	}
}
