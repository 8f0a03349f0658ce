// Package decompose splits an objective into sub-objectives and a routed
// execution pipeline over the configured domain registry.
package decompose

import (
	"strings"

	"github.com/google/uuid"

	"traceline/internal/config"
	"traceline/internal/runtime"
	"traceline/internal/schema"
)

const (
	ComplexityTrivial     = "trivial"
	ComplexitySimple      = "simple"
	ComplexityModerate    = "moderate"
	ComplexityComplex     = "complex"
	ComplexityVeryComplex = "very_complex"
)

const (
	DepData     = "data"
	DepBlocking = "blocking"
)

type Dependency struct {
	DependsOn string `json:"depends_on"`
	Type      string `json:"type" enum:"data,blocking"`
}

type SubObjective struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	ParentID           *string      `json:"parent_id,omitempty"`
	Depth              int          `json:"depth"`
	Dependencies       []Dependency `json:"dependencies"`
	Tags               []string     `json:"tags"`
	Complexity         string       `json:"complexity" enum:"trivial,simple,moderate,complex,very_complex"`
	IsAtomic           bool         `json:"is_atomic"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
}

type PipelineStep struct {
	StepID       string  `json:"step_id"`
	Domain       string  `json:"domain"`
	Agent        string  `json:"agent"`
	Description  string  `json:"description"`
	InputFrom    *string `json:"input_from"`
	OutputSchema string  `json:"output_schema"`
}

type PipelineSpec struct {
	PipelineID string         `json:"pipeline_id"`
	Objective  string         `json:"objective"`
	Steps      []PipelineStep `json:"steps"`
}

type Result struct {
	Objective       string              `json:"objective"`
	SubObjectives   []SubObjective      `json:"sub_objectives"`
	TreeStructure   map[string][]string `json:"tree_structure"`
	DependencyGraph map[string][]string `json:"dependency_graph"`
	CoverageScore   float64             `json:"coverage_score"`
	Pipeline        PipelineSpec        `json:"pipeline"`
}

type Input struct {
	Objective        string
	MaxDepth         int
	MaxSubObjectives int
}

type Engine struct {
	version string
	routes  []config.Route

	defaultMaxDepth int
	defaultMaxSubs  int
}

func New(cfg *config.Config) Engine {
	return Engine{
		version:         cfg.Agent.Version,
		routes:          cfg.Decompose.Routes,
		defaultMaxDepth: cfg.Decompose.MaxDepth,
		defaultMaxSubs:  cfg.Decompose.MaxSubObjectives,
	}
}

func (e Engine) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{ID: "decomposer", Version: e.version, DecisionType: "objective_decomposition"}
}

func (e Engine) ParseInput(raw map[string]any) (any, error) {
	var verr schema.Errors
	objective, ok := schema.String(raw, "objective")
	if !ok || strings.TrimSpace(objective) == "" {
		verr.Add("objective", "is required")
	}
	in := Input{
		Objective:        strings.TrimSpace(objective),
		MaxDepth:         e.defaultMaxDepth,
		MaxSubObjectives: e.defaultMaxSubs,
	}
	if v, ok := schema.Int(raw, "max_depth"); ok {
		if v < 0 {
			verr.Add("max_depth", "must be >= 0")
		}
		in.MaxDepth = v
	}
	if v, ok := schema.Int(raw, "max_sub_objectives"); ok {
		if v < 1 {
			verr.Add("max_sub_objectives", "must be >= 1")
		}
		in.MaxSubObjectives = v
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return in, nil
}

func (e Engine) Analyze(in any) (runtime.Outcome, error) {
	input := in.(Input)
	res, err := e.Decompose(input)
	if err != nil {
		return runtime.Outcome{}, err
	}
	return runtime.Outcome{
		Outputs:    res,
		Confidence: res.CoverageScore,
		Constraints: []string{
			"stateless_analysis",
			"pipeline_is_dag",
			"single_pipeline_root",
		},
	}, nil
}

// Decompose produces the sub-objective tree, its adjacency structures, a
// coverage score, and the routed pipeline for the objective.
func (e Engine) Decompose(in Input) (Result, error) {
	subs := e.subObjectives(in)
	pipeline, err := e.BuildPipelineSpec(in.Objective)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Objective:       in.Objective,
		SubObjectives:   subs,
		TreeStructure:   treeStructure(subs),
		DependencyGraph: dependencyGraph(subs),
		CoverageScore:   coverageScore(subs),
		Pipeline:        pipeline,
	}, nil
}

func (e Engine) subObjectives(in Input) []SubObjective {
	lower := strings.ToLower(in.Objective)
	var subs []SubObjective

	add := func(s SubObjective) string {
		s.ID = uuid.NewString()
		if s.Dependencies == nil {
			s.Dependencies = []Dependency{}
		}
		if s.Tags == nil {
			s.Tags = deriveTags(s.Title + " " + s.Description)
		}
		subs = append(subs, s)
		return s.ID
	}

	understand := add(SubObjective{
		Title:       "Understand Requirements",
		Description: "Identify the explicit and implicit requirements in: " + in.Objective,
		Depth:       0,
		Complexity:  ComplexitySimple,
		IsAtomic:    true,
		AcceptanceCriteria: []string{
			"Requirements are enumerated",
			"Open questions are recorded",
		},
	})
	add(SubObjective{
		Title:        "Design Approach",
		Description:  "Choose a structure and sequence of work for the objective",
		Depth:        0,
		Dependencies: []Dependency{{DependsOn: understand, Type: DepBlocking}},
		Complexity:   ComplexityModerate,
		IsAtomic:     true,
		AcceptanceCriteria: []string{
			"An approach is selected with rationale",
		},
	})

	room := func() bool { return len(subs) < in.MaxSubObjectives }

	if containsAny(lower, "build", "create", "implement") && room() {
		impl := add(SubObjective{
			Title:       "Implement Core Logic",
			Description: "Produce the primary deliverable described by the objective",
			Depth:       0,
			Complexity:  ComplexityComplex,
			IsAtomic:    false,
			AcceptanceCriteria: []string{
				"Core behavior works end to end",
			},
		})
		if in.MaxDepth >= 1 {
			if room() {
				primary := add(SubObjective{
					Title:       "Implement Primary Components",
					Description: "Build each component the core logic needs",
					ParentID:    &impl,
					Depth:       1,
					Complexity:  ComplexityModerate,
					IsAtomic:    true,
					AcceptanceCriteria: []string{
						"Each component behaves as designed",
					},
				})
				if room() {
					add(SubObjective{
						Title:        "Integrate Components",
						Description:  "Wire the components together and reconcile their interfaces",
						ParentID:     &impl,
						Depth:        1,
						Dependencies: []Dependency{{DependsOn: primary, Type: DepData}},
						Complexity:   ComplexityModerate,
						IsAtomic:     true,
						AcceptanceCriteria: []string{
							"Components interoperate without manual glue",
						},
					})
				}
			}
		}
	}
	if containsAny(lower, "test", "verify", "validate", "check") && room() {
		add(SubObjective{
			Title:       "Establish Test Coverage",
			Description: "Exercise the behaviors the objective calls out for verification",
			Depth:       0,
			Complexity:  ComplexityModerate,
			IsAtomic:    true,
			AcceptanceCriteria: []string{
				"Named behaviors have passing checks",
			},
		})
	}
	if containsAny(lower, "deploy", "release", "production", "rollout") && room() {
		add(SubObjective{
			Title:       "Prepare Deployment",
			Description: "Make the deliverable releasable to the target environment",
			Depth:       0,
			Tags:        []string{"deployment"},
			Complexity:  ComplexityModerate,
			IsAtomic:    true,
			AcceptanceCriteria: []string{
				"A rollout path and rollback path exist",
			},
		})
	}
	if containsAny(lower, "document", "docs", "readme") && room() {
		add(SubObjective{
			Title:       "Write Documentation",
			Description: "Document the deliverable for its intended audience",
			Depth:       0,
			Tags:        []string{"documentation"},
			Complexity:  ComplexitySimple,
			IsAtomic:    true,
			AcceptanceCriteria: []string{
				"Documentation covers usage and limits",
			},
		})
	}

	// The review step depends on every top-level sub-objective produced so far.
	var reviewDeps []Dependency
	for _, s := range subs {
		if s.Depth == 0 {
			reviewDeps = append(reviewDeps, Dependency{DependsOn: s.ID, Type: DepData})
		}
	}
	add(SubObjective{
		Title:        "Review and Validate Completeness",
		Description:  "Confirm the decomposition covers the objective with no gaps",
		Depth:        0,
		Dependencies: reviewDeps,
		Complexity:   ComplexitySimple,
		IsAtomic:     true,
		AcceptanceCriteria: []string{
			"Every requirement maps to a sub-objective",
		},
	})
	return subs
}

// treeStructure builds parent -> children adjacency; roots go under "root".
func treeStructure(subs []SubObjective) map[string][]string {
	tree := map[string][]string{"root": {}}
	for _, s := range subs {
		key := "root"
		if s.ParentID != nil {
			key = *s.ParentID
		}
		tree[key] = append(tree[key], s.ID)
	}
	return tree
}

func dependencyGraph(subs []SubObjective) map[string][]string {
	graph := make(map[string][]string, len(subs))
	for _, s := range subs {
		ids := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			ids = append(ids, d.DependsOn)
		}
		graph[s.ID] = ids
	}
	return graph
}

func coverageScore(subs []SubObjective) float64 {
	score := 0.5
	n := len(subs)
	switch {
	case n > 15:
		score += 0.1
	case n >= 3:
		score += 0.15
	}
	atomic := 0
	withCriteria := 0
	deepest := 0
	for _, s := range subs {
		if s.IsAtomic {
			atomic++
		}
		if len(s.AcceptanceCriteria) > 0 {
			withCriteria++
		}
		if s.Depth > deepest {
			deepest = s.Depth
		}
	}
	if n > 0 && float64(atomic)/float64(n) > 0.4 {
		score += 0.10
	}
	if n > 0 {
		score += 0.15 * float64(withCriteria) / float64(n)
	}
	if deepest >= 1 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func containsAny(text string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

var tagKeywords = []struct {
	tag      string
	keywords []string
}{
	{"api", []string{"api", "endpoint"}},
	{"data", []string{"database", "sql", "data"}},
	{"testing", []string{"test", "verify", "validate"}},
	{"security", []string{"security", "auth"}},
	{"frontend", []string{"ui", "frontend", "user interface"}},
	{"backend", []string{"backend", "server"}},
	{"deployment", []string{"deploy", "release", "rollout"}},
	{"documentation", []string{"document", "readme"}},
}

func deriveTags(text string) []string {
	lower := strings.ToLower(text)
	tags := []string{}
	for _, tk := range tagKeywords {
		if containsAny(lower, tk.keywords...) {
			tags = append(tags, tk.tag)
		}
	}
	return tags
}
