package metareason_test

import (
	"fmt"
	"testing"

	"traceline/internal/config"
	"traceline/internal/engines/metareason"
)

func newEngine() metareason.Engine {
	return metareason.New(config.Default())
}

func trace(agent, decisionType, ref, ts string, conf float64, constraints ...string) metareason.ReasoningTrace {
	return metareason.ReasoningTrace{
		AgentID:            agent,
		DecisionType:       decisionType,
		ExecutionRef:       ref,
		Timestamp:          ts,
		ReportedConfidence: conf,
		ConstraintsApplied: constraints,
	}
}

func examine(t *testing.T, traces []metareason.ReasoningTrace) metareason.Result {
	t.Helper()
	return newEngine().Examine(metareason.Input{
		Traces:               traces,
		DetectContradictions: true,
		AssessCalibration:    true,
		DetectSystemicIssues: true,
	})
}

func TestStatisticalContradictionHighSeverity(t *testing.T) {
	res := examine(t, []metareason.ReasoningTrace{
		trace("planner-a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.95),
		trace("planner-b", "plan_generation", "ref-2", "2024-06-01T10:05:00Z", 0.30),
	})
	found := false
	for _, c := range res.Contradictions {
		if c.Type == metareason.ContradictionStatistical {
			found = true
			if c.Severity != metareason.SeverityHigh {
				t.Fatalf("gap 0.65 with severity %s, want high", c.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("no statistical contradiction detected: %+v", res.Contradictions)
	}
}

func TestStatisticalContradictionMediumSeverity(t *testing.T) {
	res := examine(t, []metareason.ReasoningTrace{
		trace("a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.90),
		trace("b", "plan_generation", "ref-2", "2024-06-01T10:05:00Z", 0.30),
	})
	for _, c := range res.Contradictions {
		if c.Type == metareason.ContradictionStatistical && c.Severity != metareason.SeverityMedium {
			t.Fatalf("gap 0.60 with severity %s, want medium", c.Severity)
		}
	}
}

func TestNoContradictionAcrossDecisionTypes(t *testing.T) {
	res := examine(t, []metareason.ReasoningTrace{
		trace("a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.95),
		trace("b", "risk_assessment", "ref-2", "2024-06-01T10:05:00Z", 0.10),
	})
	if len(res.Contradictions) != 0 {
		t.Fatalf("different decision types must not contradict: %+v", res.Contradictions)
	}
}

func TestContextualContradiction(t *testing.T) {
	res := examine(t, []metareason.ReasoningTrace{
		trace("a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.70, "strict_validation"),
		trace("b", "plan_generation", "ref-2", "2024-06-01T10:05:00Z", 0.72, "relaxed_validation"),
	})
	found := false
	for _, c := range res.Contradictions {
		if c.Type == metareason.ContradictionContextual {
			found = true
		}
	}
	if !found {
		t.Fatalf("mutually exclusive constraints not flagged: %+v", res.Contradictions)
	}
}

func TestTemporalSwing(t *testing.T) {
	res := examine(t, []metareason.ReasoningTrace{
		trace("a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.90),
		trace("a", "plan_generation", "ref-2", "2024-06-01T10:10:00Z", 0.30),
	})
	found := false
	for _, c := range res.Contradictions {
		if c.Type == metareason.ContradictionTemporal {
			found = true
			if c.Severity != metareason.SeverityHigh {
				t.Fatalf("swing 0.60 with severity %s, want high", c.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("temporal swing not flagged")
	}
}

func TestCalibrationWithBaseline(t *testing.T) {
	eng := newEngine()
	res := eng.Examine(metareason.Input{
		Traces: []metareason.ReasoningTrace{
			trace("a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.90),
			trace("a", "plan_generation", "ref-2", "2024-06-01T10:05:00Z", 0.90),
		},
		HistoricalAccuracy: map[string]float64{"a": 0.60},
		AssessCalibration:  true,
	})
	if len(res.Calibrations) != 1 {
		t.Fatalf("expected one calibration, got %d", len(res.Calibrations))
	}
	cal := res.Calibrations[0]
	if cal.Assessment != metareason.AssessOverconfident {
		t.Fatalf("gap 0.30 assessed as %s, want overconfident", cal.Assessment)
	}
	if diff := cal.CalibrationScore - 0.70; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score %g, want 0.70", cal.CalibrationScore)
	}
}

func TestCalibrationFallbacks(t *testing.T) {
	eng := newEngine()
	// High variance without a baseline.
	res := eng.Examine(metareason.Input{
		Traces: []metareason.ReasoningTrace{
			trace("a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.10),
			trace("a", "plan_generation", "ref-2", "2024-06-01T10:05:00Z", 0.90),
		},
		AssessCalibration: true,
	})
	if res.Calibrations[0].Assessment != metareason.AssessInconsistent {
		t.Fatalf("variance fallback assessed as %s", res.Calibrations[0].Assessment)
	}

	// Low variance without a baseline.
	res = eng.Examine(metareason.Input{
		Traces: []metareason.ReasoningTrace{
			trace("a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.80),
			trace("a", "plan_generation", "ref-2", "2024-06-01T10:05:00Z", 0.82),
		},
		AssessCalibration: true,
	})
	cal := res.Calibrations[0]
	if cal.Assessment != metareason.AssessInsufficientData || cal.CalibrationScore != 0.7 {
		t.Fatalf("expected insufficient_data at 0.7, got %s at %g", cal.Assessment, cal.CalibrationScore)
	}
}

func TestMissingUncertaintyPervasive(t *testing.T) {
	var traces []metareason.ReasoningTrace
	for i := 0; i < 4; i++ {
		traces = append(traces, trace("a", "plan_generation", "ref", "2024-06-01T10:00:00Z", 0.95))
	}
	traces = append(traces, trace("a", "plan_generation", "ref", "2024-06-01T10:00:00Z", 0.50))
	res := examine(t, traces)
	found := false
	for _, issue := range res.SystemicIssues {
		if issue.Type == metareason.IssueMissingUncertainty {
			found = true
			if issue.Frequency != "pervasive" {
				t.Fatalf("80%% high confidence marked %s, want pervasive", issue.Frequency)
			}
		}
	}
	if !found {
		t.Fatalf("missing uncertainty not flagged")
	}
}

func TestInconsistentCriteria(t *testing.T) {
	constraintSets := [][]string{
		{"a"}, {"b"}, {"c"}, {"d"}, {"e"}, {"f"},
	}
	var traces []metareason.ReasoningTrace
	for i, cs := range constraintSets {
		traces = append(traces, trace("agent", "plan_generation",
			"ref", "2024-06-01T10:00:00Z", 0.5+float64(i)*0.01, cs...))
	}
	res := examine(t, traces)
	found := false
	for _, issue := range res.SystemicIssues {
		if issue.Type == metareason.IssueInconsistentCriteria {
			found = true
			if issue.Severity != metareason.SeverityLow {
				t.Fatalf("severity %s, want low", issue.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("inconsistent criteria not flagged")
	}
}

func TestAnchoringBiasFlatBatch(t *testing.T) {
	confs := []float64{0.80, 0.80, 0.78, 0.82, 0.81, 0.79}
	var traces []metareason.ReasoningTrace
	for i, c := range confs {
		ts := fmt.Sprintf("2024-06-01T10:0%d:00Z", i)
		traces = append(traces, trace("agent", "plan_generation", "ref", ts, c))
	}
	res := examine(t, traces)
	found := false
	for _, issue := range res.SystemicIssues {
		if issue.Type == metareason.IssueAnchoringBias {
			found = true
			if issue.Severity != metareason.SeverityMedium {
				t.Fatalf("severity %s, want medium", issue.Severity)
			}
			if issue.Occurrences != len(traces) {
				t.Fatalf("occurrences %d, want %d", issue.Occurrences, len(traces))
			}
		}
	}
	if !found {
		t.Fatalf("anchoring bias not flagged: %+v", res.SystemicIssues)
	}
}

func TestNoAnchoringBiasWhenConfidenceMoves(t *testing.T) {
	batches := map[string][]float64{
		"drifting":    {0.90, 0.90, 0.70, 0.70, 0.50, 0.50},
		"noisy_early": {0.60, 0.90, 0.75, 0.75, 0.74, 0.76},
	}
	for name, confs := range batches {
		var traces []metareason.ReasoningTrace
		for i, c := range confs {
			ts := fmt.Sprintf("2024-06-01T10:0%d:00Z", i)
			traces = append(traces, trace("agent", "plan_generation", "ref", ts, c))
		}
		res := examine(t, traces)
		for _, issue := range res.SystemicIssues {
			if issue.Type == metareason.IssueAnchoringBias {
				t.Fatalf("%s batch flagged as anchored: %s", name, issue.Evidence)
			}
		}
	}
}

func TestQualityMetricsBounds(t *testing.T) {
	res := examine(t, []metareason.ReasoningTrace{
		trace("a", "plan_generation", "ref-1", "2024-06-01T10:00:00Z", 0.95, "strict_validation"),
		trace("b", "plan_generation", "ref-2", "2024-06-01T10:05:00Z", 0.30, "relaxed_validation"),
	})
	qm := res.QualityMetrics
	for name, v := range map[string]float64{
		"consistency":  qm.Consistency,
		"completeness": qm.Completeness,
		"clarity":      qm.Clarity,
		"overall":      qm.Overall,
	} {
		if v < 0 || v > 1 {
			t.Fatalf("%s = %g outside [0,1]", name, v)
		}
	}
	if qm.Completeness != 1.0 {
		t.Fatalf("all traces constrained, completeness %g", qm.Completeness)
	}
	if len(res.Priorities) == 0 {
		t.Fatalf("expected ranked priorities")
	}
}

func TestParseInputValidation(t *testing.T) {
	eng := newEngine()
	if _, err := eng.ParseInput(map[string]any{}); err == nil {
		t.Fatalf("empty batch must fail validation")
	}
	if _, err := eng.ParseInput(map[string]any{
		"traces": []any{map[string]any{"agent_id": "a", "decision_type": "t", "reported_confidence": 1.4}},
	}); err == nil {
		t.Fatalf("out-of-range confidence must fail validation")
	}
	parsed, err := eng.ParseInput(map[string]any{
		"traces": []any{map[string]any{
			"agent_id": "a", "decision_type": "t", "execution_ref": "r",
			"timestamp": "2024-06-01T10:00:00Z", "reported_confidence": 0.5,
		}},
		"analyses": map[string]any{"calibration": false},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in := parsed.(metareason.Input)
	if in.AssessCalibration || !in.DetectContradictions {
		t.Fatalf("analysis toggles not honored: %+v", in)
	}
}
