// Package reflection scores past decision events and surfaces learning
// signals, gaps, and correlations across a batch.
package reflection

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"traceline/internal/config"
	"traceline/internal/contract"
	"traceline/internal/runtime"
	"traceline/internal/schema"
)

const (
	SignalPattern      = "pattern"
	SignalAntiPattern  = "anti_pattern"
	SignalOptimization = "optimization"
	SignalEdgeCase     = "edge_case"
)

const (
	GapCoverage   = "coverage"
	GapProcess    = "process"
	GapData       = "data"
	GapCapability = "capability"
)

const (
	CorrelationTemporal           = "temporal"
	CorrelationConfidenceVariance = "confidence_variance"
)

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

type Scores struct {
	Confidence    float64 `json:"confidence"`
	Completeness  float64 `json:"completeness"`
	Determinism   float64 `json:"determinism"`
	OutputQuality float64 `json:"output_quality"`
}

type Assessment struct {
	ExecutionRef    string  `json:"execution_ref"`
	AgentID         string  `json:"agent_id"`
	DecisionType    string  `json:"decision_type"`
	Scores          Scores  `json:"scores"`
	OutcomeScore    float64 `json:"outcome_score"`
	MetExpectations bool    `json:"met_expectations"`
}

type BatchStats struct {
	EventCount          int     `json:"event_count"`
	MeanConfidence      float64 `json:"mean_confidence"`
	MeanConstraintCount float64 `json:"mean_constraint_count"`
	DecisionTypeCount   int     `json:"decision_type_count"`
	AgentVersionCount   int     `json:"agent_version_count"`
}

type LearningSignal struct {
	ID          string   `json:"id"`
	Type        string   `json:"type" enum:"pattern,anti_pattern,optimization,edge_case"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
	Strength    float64  `json:"strength"`
}

type Gap struct {
	ID          string   `json:"id"`
	GapType     string   `json:"gap_type" enum:"coverage,process,data,capability"`
	Description string   `json:"description"`
	Severity    string   `json:"severity" enum:"high,medium,low"`
	Affected    []string `json:"affected"`
}

type Correlation struct {
	ID          string   `json:"id"`
	Type        string   `json:"correlation_type" enum:"temporal,confidence_variance"`
	Description string   `json:"description"`
	Events      []string `json:"events"`
	Strength    float64  `json:"strength"`
}

type Result struct {
	Assessments  []Assessment     `json:"assessments"`
	BatchStats   BatchStats       `json:"batch_stats"`
	Signals      []LearningSignal `json:"learning_signals"`
	Gaps         []Gap            `json:"gaps"`
	Correlations []Correlation    `json:"correlations"`
}

type Input struct {
	Events []contract.DecisionEvent
}

type Engine struct {
	version string
}

func New(cfg *config.Config) Engine {
	return Engine{version: cfg.Agent.Version}
}

func (e Engine) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{ID: "reflector", Version: e.version, DecisionType: "reflection"}
}

type inputWire struct {
	Events []contract.DecisionEvent `json:"events"`
}

func (e Engine) ParseInput(raw map[string]any) (any, error) {
	var verr schema.Errors

	buf, err := json.Marshal(raw)
	if err != nil {
		verr.Add("events", "is not serializable")
		return nil, verr.OrNil()
	}
	var wire inputWire
	if err := json.Unmarshal(buf, &wire); err != nil {
		verr.Add("events", "must be a list of decision events")
		return nil, verr.OrNil()
	}
	if len(wire.Events) == 0 {
		verr.Add("events", "must contain at least one event")
	}
	for i, ev := range wire.Events {
		if ev.ExecutionRef == "" {
			verr.Add(fmt.Sprintf("events[%d].execution_ref", i), "is required")
		}
		if ev.AgentID == "" {
			verr.Add(fmt.Sprintf("events[%d].agent_id", i), "is required")
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return Input{Events: wire.Events}, nil
}

func (e Engine) Analyze(in any) (runtime.Outcome, error) {
	input := in.(Input)
	res := e.Reflect(input.Events)

	confidence := 0.4 + 0.05*math.Min(float64(len(input.Events)), 10)
	if len(res.Signals) > 0 || len(res.Gaps) > 0 {
		confidence += 0.05
	}
	return runtime.Outcome{
		Outputs:    res,
		Confidence: confidence,
		Constraints: []string{
			"stateless_analysis",
			"batch_scoped_statistics",
		},
	}, nil
}

// Reflect scores every event and derives batch-level findings.
func (e Engine) Reflect(events []contract.DecisionEvent) Result {
	res := Result{
		Assessments:  make([]Assessment, 0, len(events)),
		Signals:      []LearningSignal{},
		Gaps:         []Gap{},
		Correlations: []Correlation{},
	}
	for _, ev := range events {
		res.Assessments = append(res.Assessments, assess(ev))
	}
	res.BatchStats = batchStats(events)
	res.Signals = learningSignals(events, res.Assessments, res.BatchStats)
	res.Gaps = detectGaps(events, res.Assessments, res.BatchStats)
	res.Correlations = findCorrelations(events)
	return res
}

func assess(ev contract.DecisionEvent) Assessment {
	scores := Scores{
		Confidence:    ev.Confidence,
		Completeness:  math.Min(1, float64(len(ev.ConstraintsApplied))/5),
		Determinism:   determinismScore(ev.InputsHash),
		OutputQuality: outputQuality(ev.Outputs),
	}
	outcome := (scores.Confidence + scores.Completeness + scores.Determinism + scores.OutputQuality) / 4
	return Assessment{
		ExecutionRef:    ev.ExecutionRef,
		AgentID:         ev.AgentID,
		DecisionType:    ev.DecisionType,
		Scores:          scores,
		OutcomeScore:    outcome,
		MetExpectations: outcome >= 0.7 && ev.Confidence >= 0.6,
	}
}

func determinismScore(hash string) float64 {
	if len(hash) != 64 {
		return 0.5
	}
	for _, r := range hash {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return 0.5
		}
	}
	return 1.0
}

func outputQuality(outputs any) float64 {
	obj, ok := toObject(outputs)
	if !ok {
		if outputs == nil {
			return 0.2
		}
		return 0.5
	}
	switch n := len(obj); {
	case n == 0:
		return 0.2
	case n <= 2:
		return 0.5
	case n <= 5:
		return 0.8
	default:
		return 1.0
	}
}

// toObject normalizes outputs to a JSON object regardless of whether they
// arrived as a map or a typed struct.
func toObject(outputs any) (map[string]any, bool) {
	if obj, ok := outputs.(map[string]any); ok {
		return obj, true
	}
	buf, err := json.Marshal(outputs)
	if err != nil {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(buf, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func batchStats(events []contract.DecisionEvent) BatchStats {
	stats := BatchStats{EventCount: len(events)}
	if len(events) == 0 {
		return stats
	}
	types := map[string]bool{}
	versions := map[string]bool{}
	sumConf, sumConstraints := 0.0, 0.0
	for _, ev := range events {
		sumConf += ev.Confidence
		sumConstraints += float64(len(ev.ConstraintsApplied))
		types[ev.DecisionType] = true
		versions[ev.AgentVersion] = true
	}
	stats.MeanConfidence = sumConf / float64(len(events))
	stats.MeanConstraintCount = sumConstraints / float64(len(events))
	stats.DecisionTypeCount = len(types)
	stats.AgentVersionCount = len(versions)
	return stats
}

func learningSignals(events []contract.DecisionEvent, assessments []Assessment, stats BatchStats) []LearningSignal {
	signals := []LearningSignal{}
	if len(events) == 0 {
		return signals
	}

	met := 0
	for _, a := range assessments {
		if a.MetExpectations {
			met++
		}
	}
	fracMet := float64(met) / float64(len(assessments))
	if fracMet > 0.7 && stats.MeanConfidence >= 0.75 {
		signals = append(signals, LearningSignal{
			ID:          newID("sig"),
			Type:        SignalPattern,
			Description: "decisions consistently meet expectations with high confidence",
			Evidence:    refs(events),
			Strength:    fracMet,
		})
	}

	if stats.MeanConstraintCount < 1 {
		signals = append(signals, LearningSignal{
			ID:          newID("sig"),
			Type:        SignalAntiPattern,
			Description: "decisions are recorded without applied constraints",
			Evidence:    refs(events),
			Strength:    1 - math.Min(stats.MeanConstraintCount, 1),
		})
	}

	sparse := sparseOutputRefs(events)
	if frac := float64(len(sparse)) / float64(len(events)); frac > 0.3 {
		signals = append(signals, LearningSignal{
			ID:          newID("sig"),
			Type:        SignalOptimization,
			Description: "a large share of decisions carry sparse outputs",
			Evidence:    sparse,
			Strength:    frac,
		})
	}

	signals = append(signals, confidenceOutliers(events, stats)...)
	return signals
}

// confidenceOutliers flags events whose confidence sits more than two
// standard deviations from the batch mean.
func confidenceOutliers(events []contract.DecisionEvent, stats BatchStats) []LearningSignal {
	if len(events) < 3 {
		return nil
	}
	variance := 0.0
	for _, ev := range events {
		d := ev.Confidence - stats.MeanConfidence
		variance += d * d
	}
	variance /= float64(len(events))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return nil
	}

	var out []LearningSignal
	for _, ev := range events {
		z := math.Abs(ev.Confidence-stats.MeanConfidence) / stddev
		if z <= 2 {
			continue
		}
		out = append(out, LearningSignal{
			ID:          newID("sig"),
			Type:        SignalEdgeCase,
			Description: fmt.Sprintf("confidence %.2f is a batch outlier for agent %s", ev.Confidence, ev.AgentID),
			Evidence:    []string{ev.ExecutionRef},
			Strength:    math.Min(1, z/3),
		})
	}
	return out
}

func detectGaps(events []contract.DecisionEvent, assessments []Assessment, stats BatchStats) []Gap {
	gaps := []Gap{}
	if len(events) == 0 {
		return gaps
	}

	if stats.DecisionTypeCount == 1 && len(events) >= 5 {
		gaps = append(gaps, Gap{
			ID:          newID("gap"),
			GapType:     GapCoverage,
			Description: fmt.Sprintf("all %d events share decision type %q", len(events), events[0].DecisionType),
			Severity:    SeverityMedium,
			Affected:    []string{events[0].DecisionType},
		})
	}

	low := []string{}
	unmet := []string{}
	for _, a := range assessments {
		if a.OutcomeScore < 0.5 {
			low = append(low, a.ExecutionRef)
		}
		if !a.MetExpectations {
			unmet = append(unmet, a.ExecutionRef)
		}
	}
	if float64(len(low))/float64(len(assessments)) > 0.3 {
		gaps = append(gaps, Gap{
			ID:          newID("gap"),
			GapType:     GapProcess,
			Description: "more than 30% of events score a low outcome",
			Severity:    SeverityHigh,
			Affected:    low,
		})
	}

	sparse := sparseOutputRefs(events)
	if float64(len(sparse))/float64(len(events)) > 0.5 {
		gaps = append(gaps, Gap{
			ID:          newID("gap"),
			GapType:     GapData,
			Description: "most events carry empty or near-empty outputs",
			Severity:    SeverityMedium,
			Affected:    sparse,
		})
	}

	if float64(len(unmet))/float64(len(assessments)) > 0.2 {
		gaps = append(gaps, Gap{
			ID:          newID("gap"),
			GapType:     GapCapability,
			Description: "more than 20% of events fail to meet expectations",
			Severity:    SeverityHigh,
			Affected:    unmet,
		})
	}
	return gaps
}

func findCorrelations(events []contract.DecisionEvent) []Correlation {
	out := []Correlation{}

	sorted := make([]contract.DecisionEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.AgentID == cur.AgentID {
			continue
		}
		gap, ok := secondsBetween(prev.Timestamp, cur.Timestamp)
		if !ok || gap > 60 {
			continue
		}
		out = append(out, Correlation{
			ID:          newID("cor"),
			Type:        CorrelationTemporal,
			Description: fmt.Sprintf("%s and %s decided within %.0fs of each other", prev.AgentID, cur.AgentID, gap),
			Events:      []string{prev.ExecutionRef, cur.ExecutionRef},
			Strength:    1 - gap/60,
		})
	}

	byType := map[string][]contract.DecisionEvent{}
	for _, ev := range sorted {
		byType[ev.DecisionType] = append(byType[ev.DecisionType], ev)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		group := byType[t]
		if len(group) < 2 {
			continue
		}
		mean := 0.0
		for _, ev := range group {
			mean += ev.Confidence
		}
		mean /= float64(len(group))
		variance := 0.0
		for _, ev := range group {
			d := ev.Confidence - mean
			variance += d * d
		}
		variance /= float64(len(group))
		if variance >= 0.05 {
			continue
		}
		out = append(out, Correlation{
			ID:          newID("cor"),
			Type:        CorrelationConfidenceVariance,
			Description: fmt.Sprintf("decision type %q shows tightly clustered confidence", t),
			Events:      refs(group),
			Strength:    1 - variance/0.05,
		})
	}
	return out
}

func secondsBetween(a, b string) (float64, bool) {
	ta, err := time.Parse(time.RFC3339, a)
	if err != nil {
		return 0, false
	}
	tb, err := time.Parse(time.RFC3339, b)
	if err != nil {
		return 0, false
	}
	return math.Abs(tb.Sub(ta).Seconds()), true
}

func sparseOutputRefs(events []contract.DecisionEvent) []string {
	out := []string{}
	for _, ev := range events {
		obj, ok := toObject(ev.Outputs)
		if !ok && ev.Outputs != nil {
			continue
		}
		if len(obj) <= 1 {
			out = append(out, ev.ExecutionRef)
		}
	}
	return out
}

func refs(events []contract.DecisionEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ExecutionRef)
	}
	return out
}

func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + raw[:8]
}
