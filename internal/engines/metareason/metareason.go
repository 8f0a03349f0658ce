// Package metareason cross-examines a batch of reasoning traces for
// contradictions, confidence miscalibration, and systemic bias.
package metareason

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"traceline/internal/config"
	"traceline/internal/runtime"
	"traceline/internal/schema"
)

// ReasoningTrace is the projection of a decision event this engine consumes.
type ReasoningTrace struct {
	AgentID            string   `json:"agent_id"`
	DecisionType       string   `json:"decision_type"`
	ExecutionRef       string   `json:"execution_ref"`
	Timestamp          string   `json:"timestamp" format:"date-time"`
	ReportedConfidence float64  `json:"reported_confidence"`
	ConstraintsApplied []string `json:"constraints_applied"`
}

const (
	ContradictionStatistical = "statistical"
	ContradictionContextual  = "contextual"
	ContradictionTemporal    = "temporal"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

type Contradiction struct {
	ID                string         `json:"id"`
	Type              string         `json:"type" enum:"statistical,contextual,temporal"`
	Severity          string         `json:"severity" enum:"critical,high,medium,low"`
	InvolvedTraces    []string       `json:"involved_traces"`
	InvolvedAgents    []string       `json:"involved_agents"`
	Description       string         `json:"description"`
	Evidence          map[string]any `json:"evidence"`
	FindingConfidence float64        `json:"finding_confidence"`
}

const (
	AssessWellCalibrated   = "well_calibrated"
	AssessOverconfident    = "overconfident"
	AssessUnderconfident   = "underconfident"
	AssessInconsistent     = "inconsistent"
	AssessInsufficientData = "insufficient_data"
)

type Calibration struct {
	AgentID                string   `json:"agent_id"`
	CalibrationScore       float64  `json:"calibration_score"`
	Assessment             string   `json:"assessment" enum:"well_calibrated,overconfident,underconfident,inconsistent,insufficient_data"`
	MeanReportedConfidence float64  `json:"mean_reported_confidence"`
	ExpectedAccuracy       *float64 `json:"expected_accuracy,omitempty"`
	CalibrationGap         *float64 `json:"calibration_gap,omitempty"`
	Recommendations        []string `json:"recommendations"`
}

const (
	IssueAnchoringBias        = "anchoring_bias"
	IssueMissingUncertainty   = "missing_uncertainty"
	IssueInconsistentCriteria = "inconsistent_criteria"
)

type SystemicIssue struct {
	ID             string   `json:"id"`
	Type           string   `json:"type" enum:"anchoring_bias,missing_uncertainty,inconsistent_criteria"`
	Severity       string   `json:"severity" enum:"critical,high,medium,low"`
	AffectedAgents []string `json:"affected_agents"`
	Occurrences    int      `json:"occurrences"`
	Frequency      string   `json:"frequency"`
	Evidence       string   `json:"evidence"`
	Impact         string   `json:"impact"`
}

type QualityMetrics struct {
	Consistency  float64 `json:"consistency"`
	Completeness float64 `json:"completeness"`
	Clarity      float64 `json:"clarity"`
	Overall      float64 `json:"overall"`
}

type Result struct {
	TraceCount     int             `json:"trace_count"`
	Contradictions []Contradiction `json:"contradictions"`
	Calibrations   []Calibration   `json:"calibrations"`
	SystemicIssues []SystemicIssue `json:"systemic_issues"`
	QualityMetrics QualityMetrics  `json:"quality_metrics"`
	Priorities     []string        `json:"priorities"`
}

type Input struct {
	Traces             []ReasoningTrace
	HistoricalAccuracy map[string]float64

	DetectContradictions bool
	AssessCalibration    bool
	DetectSystemicIssues bool
}

type Engine struct {
	version          string
	conflictingPairs [][]string
}

func New(cfg *config.Config) Engine {
	return Engine{
		version:          cfg.Agent.Version,
		conflictingPairs: cfg.Metareason.ConflictingConstraints,
	}
}

func (e Engine) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{ID: "meta-reasoner", Version: e.version, DecisionType: "meta_reasoning"}
}

type inputWire struct {
	Traces             []ReasoningTrace   `json:"traces"`
	HistoricalAccuracy map[string]float64 `json:"historical_accuracy"`
	Analyses           *struct {
		Contradictions *bool `json:"contradictions"`
		Calibration    *bool `json:"calibration"`
		SystemicIssues *bool `json:"systemic_issues"`
	} `json:"analyses"`
}

func (e Engine) ParseInput(raw map[string]any) (any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	var wire inputWire
	var verr schema.Errors
	if err := json.Unmarshal(data, &wire); err != nil {
		verr.Add("traces", "malformed input: %v", err)
		return nil, &verr
	}
	if len(wire.Traces) == 0 {
		verr.Add("traces", "at least one trace is required")
	}
	for i, tr := range wire.Traces {
		if tr.AgentID == "" {
			verr.Add(fmt.Sprintf("traces[%d].agent_id", i), "is required")
		}
		if tr.DecisionType == "" {
			verr.Add(fmt.Sprintf("traces[%d].decision_type", i), "is required")
		}
		if tr.ReportedConfidence < 0 || tr.ReportedConfidence > 1 {
			verr.Add(fmt.Sprintf("traces[%d].reported_confidence", i), "must be in [0,1]")
		}
	}
	for agent, acc := range wire.HistoricalAccuracy {
		if acc < 0 || acc > 1 {
			verr.Add("historical_accuracy."+agent, "must be in [0,1]")
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	in := Input{
		Traces:               wire.Traces,
		HistoricalAccuracy:   wire.HistoricalAccuracy,
		DetectContradictions: true,
		AssessCalibration:    true,
		DetectSystemicIssues: true,
	}
	if wire.Analyses != nil {
		if wire.Analyses.Contradictions != nil {
			in.DetectContradictions = *wire.Analyses.Contradictions
		}
		if wire.Analyses.Calibration != nil {
			in.AssessCalibration = *wire.Analyses.Calibration
		}
		if wire.Analyses.SystemicIssues != nil {
			in.DetectSystemicIssues = *wire.Analyses.SystemicIssues
		}
	}
	return in, nil
}

func (e Engine) Analyze(in any) (runtime.Outcome, error) {
	input := in.(Input)
	res := e.Examine(input)

	constraints := []string{"stateless_analysis"}
	if input.DetectContradictions {
		constraints = append(constraints, "contradiction_detection")
	}
	if input.AssessCalibration {
		constraints = append(constraints, "calibration_assessment")
	}
	if input.DetectSystemicIssues {
		constraints = append(constraints, "systemic_issue_detection")
	}

	confidence := 0.4 + 0.05*math.Min(float64(len(input.Traces)), 10)
	if len(res.Contradictions)+len(res.SystemicIssues) > 0 {
		confidence += 0.05
	}
	return runtime.Outcome{Outputs: res, Confidence: confidence, Constraints: constraints}, nil
}

// Examine runs the enabled analyses over the batch.
func (e Engine) Examine(in Input) Result {
	res := Result{
		TraceCount:     len(in.Traces),
		Contradictions: []Contradiction{},
		Calibrations:   []Calibration{},
		SystemicIssues: []SystemicIssue{},
	}
	if in.DetectContradictions {
		res.Contradictions = e.detectContradictions(in.Traces)
	}
	if in.AssessCalibration {
		res.Calibrations = assessCalibration(in.Traces, in.HistoricalAccuracy)
	}
	if in.DetectSystemicIssues {
		res.SystemicIssues = detectSystemicIssues(in.Traces)
	}
	res.QualityMetrics = qualityMetrics(in.Traces, res.Contradictions, res.Calibrations, res.SystemicIssues)
	res.Priorities = rankFindings(res)
	return res
}

func (e Engine) detectContradictions(traces []ReasoningTrace) []Contradiction {
	var out []Contradiction

	// Pairwise within a decision type: statistical and contextual.
	for i := 0; i < len(traces); i++ {
		for j := i + 1; j < len(traces); j++ {
			a, b := traces[i], traces[j]
			if a.DecisionType != b.DecisionType {
				continue
			}
			gap := math.Abs(a.ReportedConfidence - b.ReportedConfidence)
			if gap > 0.5 {
				severity := SeverityMedium
				if gap >= 0.65 {
					severity = SeverityHigh
				}
				out = append(out, Contradiction{
					ID:             uuid.NewString(),
					Type:           ContradictionStatistical,
					Severity:       severity,
					InvolvedTraces: []string{a.ExecutionRef, b.ExecutionRef},
					InvolvedAgents: uniqueAgents(a, b),
					Description: fmt.Sprintf("confidence gap of %.2f on %s decisions",
						gap, a.DecisionType),
					Evidence: map[string]any{
						"confidence_a": a.ReportedConfidence,
						"confidence_b": b.ReportedConfidence,
					},
					FindingConfidence: math.Min(1, 0.5+gap/2),
				})
			}
			if pair, ok := e.conflictingPair(a.ConstraintsApplied, b.ConstraintsApplied); ok {
				out = append(out, Contradiction{
					ID:             uuid.NewString(),
					Type:           ContradictionContextual,
					Severity:       SeverityMedium,
					InvolvedTraces: []string{a.ExecutionRef, b.ExecutionRef},
					InvolvedAgents: uniqueAgents(a, b),
					Description: fmt.Sprintf("mutually exclusive constraints %s and %s applied to %s decisions",
						pair[0], pair[1], a.DecisionType),
					Evidence: map[string]any{
						"constraints_a": a.ConstraintsApplied,
						"constraints_b": b.ConstraintsApplied,
					},
					FindingConfidence: 0.8,
				})
			}
		}
	}

	// Per agent over time: swings between consecutive same-type decisions.
	byAgent := map[string][]ReasoningTrace{}
	for _, tr := range traces {
		byAgent[tr.AgentID] = append(byAgent[tr.AgentID], tr)
	}
	agents := make([]string, 0, len(byAgent))
	for agent := range byAgent {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		seq := byAgent[agent]
		sort.SliceStable(seq, func(i, j int) bool { return seq[i].Timestamp < seq[j].Timestamp })
		for i := 1; i < len(seq); i++ {
			prev, cur := seq[i-1], seq[i]
			if prev.DecisionType != cur.DecisionType {
				continue
			}
			swing := math.Abs(cur.ReportedConfidence - prev.ReportedConfidence)
			if swing <= 0.3 {
				continue
			}
			severity := SeverityLow
			if swing > 0.5 {
				severity = SeverityHigh
			}
			out = append(out, Contradiction{
				ID:             uuid.NewString(),
				Type:           ContradictionTemporal,
				Severity:       severity,
				InvolvedTraces: []string{prev.ExecutionRef, cur.ExecutionRef},
				InvolvedAgents: []string{agent},
				Description: fmt.Sprintf("confidence swing of %.2f between consecutive %s decisions by %s",
					swing, cur.DecisionType, agent),
				Evidence: map[string]any{
					"previous": prev.ReportedConfidence,
					"current":  cur.ReportedConfidence,
				},
				FindingConfidence: math.Min(1, 0.5+swing/2),
			})
		}
	}
	return out
}

func (e Engine) conflictingPair(a, b []string) ([]string, bool) {
	has := func(set []string, c string) bool {
		for _, s := range set {
			if s == c {
				return true
			}
		}
		return false
	}
	combined := append(append([]string{}, a...), b...)
	for _, pair := range e.conflictingPairs {
		if has(combined, pair[0]) && has(combined, pair[1]) {
			// Only a contradiction when the two sides disagree, not when one
			// trace carries both.
			if (has(a, pair[0]) && has(b, pair[1])) || (has(a, pair[1]) && has(b, pair[0])) {
				return pair, true
			}
		}
	}
	return nil, false
}

func assessCalibration(traces []ReasoningTrace, accuracy map[string]float64) []Calibration {
	byAgent := map[string][]float64{}
	for _, tr := range traces {
		byAgent[tr.AgentID] = append(byAgent[tr.AgentID], tr.ReportedConfidence)
	}
	agents := make([]string, 0, len(byAgent))
	for agent := range byAgent {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	var out []Calibration
	for _, agent := range agents {
		confs := byAgent[agent]
		m := mean(confs)
		cal := Calibration{AgentID: agent, MeanReportedConfidence: m, Recommendations: []string{}}

		if acc, ok := accuracy[agent]; ok {
			gap := m - acc
			cal.ExpectedAccuracy = &acc
			cal.CalibrationGap = &gap
			switch {
			case math.Abs(gap) <= 0.1:
				cal.Assessment = AssessWellCalibrated
				cal.CalibrationScore = 1 - math.Abs(gap)
			case gap > 0.1:
				cal.Assessment = AssessOverconfident
				cal.CalibrationScore = math.Max(0, 1-gap)
				cal.Recommendations = append(cal.Recommendations,
					"reported confidence exceeds observed accuracy; widen uncertainty bands")
			default:
				cal.Assessment = AssessUnderconfident
				cal.CalibrationScore = math.Max(0, 1+gap)
				cal.Recommendations = append(cal.Recommendations,
					"reported confidence trails observed accuracy; tighten uncertainty bands")
			}
		} else {
			v := variance(confs)
			if v > 0.1 {
				cal.Assessment = AssessInconsistent
				cal.CalibrationScore = 1 - v
				cal.Recommendations = append(cal.Recommendations,
					"confidence varies widely with no accuracy baseline; record outcomes to calibrate")
			} else {
				cal.Assessment = AssessInsufficientData
				cal.CalibrationScore = 0.7
				cal.Recommendations = append(cal.Recommendations,
					"no accuracy baseline; record outcomes to calibrate")
			}
		}
		out = append(out, cal)
	}
	return out
}

func detectSystemicIssues(traces []ReasoningTrace) []SystemicIssue {
	var out []SystemicIssue

	// Anchoring: early confidences barely move and the batch never drifts.
	if len(traces) >= 6 {
		sorted := append([]ReasoningTrace{}, traces...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
		third := len(sorted) / 3
		first := confidences(sorted[:third])
		last := confidences(sorted[len(sorted)-third:])
		if math.Abs(mean(first)-mean(last)) < 0.05 && variance(first) < 0.01 {
			out = append(out, SystemicIssue{
				ID:             uuid.NewString(),
				Type:           IssueAnchoringBias,
				Severity:       SeverityMedium,
				AffectedAgents: uniqueAgentIDs(sorted),
				Occurrences:    len(sorted),
				Frequency:      "batch_wide",
				Evidence: fmt.Sprintf("early mean %.2f vs late mean %.2f with early variance %.4f",
					mean(first), mean(last), variance(first)),
				Impact: "confidence appears anchored to initial values rather than evidence",
			})
		}
	}

	// Missing uncertainty: near-certain confidence dominates the batch.
	high := 0
	for _, tr := range traces {
		if tr.ReportedConfidence > 0.9 {
			high++
		}
	}
	if len(traces) > 0 {
		frac := float64(high) / float64(len(traces))
		if frac > 0.5 {
			freq := "common"
			if frac > 0.7 {
				freq = "pervasive"
			}
			out = append(out, SystemicIssue{
				ID:             uuid.NewString(),
				Type:           IssueMissingUncertainty,
				Severity:       SeverityHigh,
				AffectedAgents: uniqueAgentIDs(traces),
				Occurrences:    high,
				Frequency:      freq,
				Evidence:       fmt.Sprintf("%.0f%% of traces report confidence above 0.9", frac*100),
				Impact:         "uncertainty is not being surfaced; downstream consumers over-trust outputs",
			})
		}
	}

	// Inconsistent criteria: same decision type, many distinct constraint sets.
	byType := map[string][]ReasoningTrace{}
	for _, tr := range traces {
		byType[tr.DecisionType] = append(byType[tr.DecisionType], tr)
	}
	types := make([]string, 0, len(byType))
	for dt := range byType {
		types = append(types, dt)
	}
	sort.Strings(types)
	for _, dt := range types {
		group := byType[dt]
		if len(group) <= 5 {
			continue
		}
		combos := map[string]bool{}
		for _, tr := range group {
			sortedConstraints := append([]string{}, tr.ConstraintsApplied...)
			sort.Strings(sortedConstraints)
			combos[strings.Join(sortedConstraints, "|")] = true
		}
		if len(combos) > 3 {
			out = append(out, SystemicIssue{
				ID:             uuid.NewString(),
				Type:           IssueInconsistentCriteria,
				Severity:       SeverityLow,
				AffectedAgents: uniqueAgentIDs(group),
				Occurrences:    len(group),
				Frequency:      "per_decision_type",
				Evidence:       fmt.Sprintf("%d distinct constraint combinations across %d %s decisions", len(combos), len(group), dt),
				Impact:         "the same decision type is being made under shifting criteria",
			})
		}
	}
	return out
}

func qualityMetrics(traces []ReasoningTrace, contradictions []Contradiction, calibrations []Calibration, issues []SystemicIssue) QualityMetrics {
	consistency := 1 - math.Min(0.1*float64(len(contradictions)), 0.5)

	constrained := 0
	for _, tr := range traces {
		if len(tr.ConstraintsApplied) > 0 {
			constrained++
		}
	}
	completeness := 0.0
	if len(traces) > 0 {
		completeness = float64(constrained) / float64(len(traces))
	}

	clarity := 0.7
	if len(calibrations) > 0 {
		sum := 0.0
		for _, c := range calibrations {
			sum += c.CalibrationScore
		}
		clarity = sum / float64(len(calibrations))
	}

	overall := (0.35*consistency + 0.2*completeness + 0.25*clarity + 0.2*completeness) *
		(1 - math.Min(0.05*float64(len(issues)), 0.3))
	overall = math.Max(0, math.Min(1, overall))

	return QualityMetrics{
		Consistency:  consistency,
		Completeness: completeness,
		Clarity:      clarity,
		Overall:      overall,
	}
}

// rankFindings orders what to act on first: severe contradictions, then
// calibration problems, then systemic issues, then the overall quality note.
func rankFindings(res Result) []string {
	var out []string
	for _, c := range res.Contradictions {
		if c.Severity == SeverityCritical || c.Severity == SeverityHigh {
			out = append(out, fmt.Sprintf("resolve %s-severity %s contradiction: %s", c.Severity, c.Type, c.Description))
		}
	}
	for _, c := range res.Contradictions {
		if c.Severity != SeverityCritical && c.Severity != SeverityHigh {
			out = append(out, fmt.Sprintf("review %s contradiction: %s", c.Type, c.Description))
		}
	}
	for _, cal := range res.Calibrations {
		if cal.Assessment != AssessWellCalibrated && cal.Assessment != AssessInsufficientData {
			out = append(out, fmt.Sprintf("recalibrate %s (%s, score %.2f)", cal.AgentID, cal.Assessment, cal.CalibrationScore))
		}
	}
	for _, issue := range res.SystemicIssues {
		out = append(out, fmt.Sprintf("address systemic %s affecting %d traces", issue.Type, issue.Occurrences))
	}
	out = append(out, fmt.Sprintf("overall reasoning quality %.2f", res.QualityMetrics.Overall))
	return out
}

func uniqueAgents(a, b ReasoningTrace) []string {
	if a.AgentID == b.AgentID {
		return []string{a.AgentID}
	}
	return []string{a.AgentID, b.AgentID}
}

func uniqueAgentIDs(traces []ReasoningTrace) []string {
	seen := map[string]bool{}
	var out []string
	for _, tr := range traces {
		if !seen[tr.AgentID] {
			seen[tr.AgentID] = true
			out = append(out, tr.AgentID)
		}
	}
	sort.Strings(out)
	return out
}

func confidences(traces []ReasoningTrace) []float64 {
	out := make([]float64, len(traces))
	for i, tr := range traces {
		out[i] = tr.ReportedConfidence
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func variance(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := mean(vals)
	sum := 0.0
	for _, v := range vals {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(vals))
}
