// Package clarify detects ambiguity and missing constraints in a single
// objective and normalizes it into goal statements.
package clarify

import (
	"strings"

	"traceline/internal/config"
	"traceline/internal/runtime"
	"traceline/internal/schema"
)

const (
	StatusClear                 = "clear"
	StatusNeedsClarification    = "needs_clarification"
	StatusRequiresDecomposition = "requires_decomposition"
	StatusInsufficient          = "insufficient"
)

const (
	AmbiguityQuantitative = "quantitative"
	AmbiguityTemporal     = "temporal"
	AmbiguityScope        = "scope"
	AmbiguityReferential  = "referential"
	AmbiguityConditional  = "conditional"
	AmbiguitySemantic     = "semantic"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

type Interpretation struct {
	Interpretation string   `json:"interpretation"`
	Likelihood     float64  `json:"likelihood"`
	Assumptions    []string `json:"assumptions"`
}

type Ambiguity struct {
	ID                  string           `json:"id"`
	Type                string           `json:"type" enum:"quantitative,temporal,scope,referential,conditional,semantic"`
	SourceText          string           `json:"source_text"`
	Interpretations     []Interpretation `json:"interpretations"`
	Severity            string           `json:"severity" enum:"critical,high,medium,low"`
	ClarificationPrompt string           `json:"clarification_prompt"`
}

const (
	ConstraintTemporal    = "temporal"
	ConstraintResource    = "resource"
	ConstraintQuality     = "quality"
	ConstraintScope       = "scope"
	ConstraintDependency  = "dependency"
	ConstraintTechnical   = "technical"
	ConstraintPerformance = "performance"
	ConstraintCompliance  = "compliance"
)

type MissingConstraint struct {
	ID                  string `json:"id"`
	Category            string `json:"category" enum:"temporal,resource,quality,scope,dependency,technical,performance,compliance"`
	Description         string `json:"description"`
	Impact              string `json:"impact"`
	Severity            string `json:"severity" enum:"critical,high,medium,low"`
	ClarificationPrompt string `json:"clarification_prompt"`
	DefaultAssumption   string `json:"default_assumption"`
}

const (
	GoalFunctional    = "functional"
	GoalNonFunctional = "non_functional"
	GoalConstraint    = "constraint"
	GoalAssumption    = "assumption"
)

type NormalizedGoal struct {
	GoalID     string   `json:"goal_id"`
	Statement  string   `json:"statement"`
	Type       string   `json:"type" enum:"functional,non_functional,constraint,assumption"`
	Action     string   `json:"action"`
	Subject    string   `json:"subject"`
	Object     string   `json:"object,omitempty"`
	Qualifiers []string `json:"qualifiers"`
	Confidence float64  `json:"confidence"`
	SourceText string   `json:"source_text"`
}

type Result struct {
	Objective          string              `json:"objective"`
	Status             string              `json:"status" enum:"clear,needs_clarification,requires_decomposition,insufficient"`
	Ambiguities        []Ambiguity         `json:"ambiguities"`
	MissingConstraints []MissingConstraint `json:"missing_constraints"`
	NormalizedGoals    []NormalizedGoal    `json:"normalized_goals"`
}

type Input struct {
	Objective       string
	ExistingContext string
}

type Engine struct {
	version string
	tables  tables
}

type tables struct {
	quantifiers []string
	temporals   []string
	scopeWords  []string
	pronouns    []string
	verbs       []string
	polysemy    map[string][]string
}

func New(cfg *config.Config) Engine {
	return Engine{
		version: cfg.Agent.Version,
		tables: tables{
			quantifiers: cfg.Clarify.VagueQuantifiers,
			temporals:   cfg.Clarify.VagueTemporals,
			scopeWords:  cfg.Clarify.ScopeWords,
			pronouns:    cfg.Clarify.Pronouns,
			verbs:       cfg.Clarify.ActionVerbs,
			polysemy:    cfg.Clarify.Polysemy,
		},
	}
}

func (e Engine) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{ID: "clarifier", Version: e.version, DecisionType: "objective_clarification"}
}

func (e Engine) ParseInput(raw map[string]any) (any, error) {
	var verr schema.Errors
	objective, ok := schema.String(raw, "objective")
	if !ok || strings.TrimSpace(objective) == "" {
		verr.Add("objective", "is required")
	}
	in := Input{Objective: strings.TrimSpace(objective)}
	if v, ok := schema.String(raw, "existing_context"); ok {
		in.ExistingContext = strings.TrimSpace(v)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return in, nil
}

func (e Engine) Analyze(in any) (runtime.Outcome, error) {
	input := in.(Input)
	res := e.Clarify(input)

	confidence := 0.9
	for _, a := range res.Ambiguities {
		confidence -= severityPenalty(a.Severity)
	}
	for _, c := range res.MissingConstraints {
		confidence -= severityPenalty(c.Severity)
	}
	if res.Status == StatusInsufficient {
		confidence = 0.2
	}
	if confidence < 0.1 {
		confidence = 0.1
	}
	return runtime.Outcome{
		Outputs:    res,
		Confidence: confidence,
		Constraints: []string{
			"stateless_analysis",
			"closed_detector_battery",
		},
	}, nil
}

func severityPenalty(severity string) float64 {
	switch severity {
	case SeverityCritical:
		return 0.15
	case SeverityHigh:
		return 0.08
	default:
		return 0.03
	}
}

// Clarify runs the detector batteries and decides the overall status.
func (e Engine) Clarify(in Input) Result {
	res := Result{
		Objective:          in.Objective,
		Ambiguities:        []Ambiguity{},
		MissingConstraints: []MissingConstraint{},
		NormalizedGoals:    []NormalizedGoal{},
	}

	words := strings.Fields(in.Objective)
	if len(words) < 3 {
		res.Status = StatusInsufficient
		return res
	}

	res.Ambiguities = e.detectAmbiguities(in)
	res.MissingConstraints = e.detectMissingConstraints(in.Objective)
	res.NormalizedGoals = e.normalizeGoals(in.Objective)
	res.Status = decideStatus(in.Objective, res)
	return res
}

func decideStatus(objective string, res Result) string {
	if len(res.NormalizedGoals) > 7 || len(objective) > 2000 {
		return StatusRequiresDecomposition
	}
	highs := 0
	for _, a := range res.Ambiguities {
		switch a.Severity {
		case SeverityCritical:
			return StatusNeedsClarification
		case SeverityHigh:
			highs++
		}
	}
	for _, c := range res.MissingConstraints {
		switch c.Severity {
		case SeverityCritical:
			return StatusNeedsClarification
		case SeverityHigh:
			highs++
		}
	}
	if highs > 2 {
		return StatusNeedsClarification
	}
	if len(res.Ambiguities)+len(res.MissingConstraints) > 5 {
		return StatusNeedsClarification
	}
	return StatusClear
}
