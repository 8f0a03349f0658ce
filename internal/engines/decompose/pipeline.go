package decompose

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func newStepID() string {
	return "step-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// BuildPipelineSpec assembles the routed pipeline for an objective. The
// planner step always opens the pipeline; the ordered route registry is then
// swept for keyword matches, each (domain, agent) pair used at most once.
func (e Engine) BuildPipelineSpec(objective string) (PipelineSpec, error) {
	lower := strings.ToLower(objective)

	planner := PipelineStep{
		StepID:       newStepID(),
		Domain:       "copilot",
		Agent:        "planner",
		Description:  "Plan the execution of: " + objective,
		InputFrom:    nil,
		OutputSchema: "objective_plan",
	}
	steps := []PipelineStep{planner}
	used := map[string]bool{"copilot/planner": true}
	latest := map[string]string{} // domain -> most recent step id
	lastBuild := ""               // most recently appended forge or runtime step

	for _, route := range e.routes {
		key := route.Domain + "/" + route.Agent
		if used[key] || !matchesAny(lower, route.Keywords) {
			continue
		}
		dep := dependencyStep(route.Domain, latest, lastBuild, planner.StepID)
		step := PipelineStep{
			StepID:       newStepID(),
			Domain:       route.Domain,
			Agent:        route.Agent,
			Description:  fmt.Sprintf("%s/%s work for: %s", route.Domain, route.Agent, objective),
			InputFrom:    &dep,
			OutputSchema: route.OutputSchema,
		}
		steps = append(steps, step)
		used[key] = true
		latest[route.Domain] = step.StepID
		if route.Domain == "forge" || route.Domain == "runtime" {
			lastBuild = step.StepID
		}
	}

	// An objective that routed nowhere still gets a build scaffold.
	if len(steps) == 1 {
		dep := planner.StepID
		scaffold := PipelineStep{
			StepID:       newStepID(),
			Domain:       "forge",
			Agent:        "sdk",
			Description:  "Scaffold a deliverable for: " + objective,
			InputFrom:    &dep,
			OutputSchema: "artifact_manifest",
		}
		steps = append(steps, scaffold)
	}

	spec := PipelineSpec{
		PipelineID: "pipe-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Objective:  objective,
		Steps:      steps,
	}
	if err := validateDAG(spec.Steps); err != nil {
		return PipelineSpec{}, err
	}
	return spec, nil
}

// dependencyStep is the wiring rule table: tests and docs consume the most
// recent build step (forge or runtime), deploys consume test output else the
// most recent build step; everything else consumes the plan.
func dependencyStep(domain string, latest map[string]string, lastBuild, plannerID string) string {
	buildOrPlan := func() string {
		if lastBuild != "" {
			return lastBuild
		}
		return plannerID
	}
	switch domain {
	case "test", "docs":
		return buildOrPlan()
	case "deploy":
		if id, ok := latest["test"]; ok {
			return id
		}
		return buildOrPlan()
	default:
		return plannerID
	}
}

// validateDAG checks that input_from edges only point at earlier steps and
// that exactly the first step is a root.
func validateDAG(steps []PipelineStep) error {
	seen := map[string]bool{}
	for i, s := range steps {
		if s.InputFrom == nil {
			if i != 0 {
				return fmt.Errorf("pipeline step %s: only the opening step may have a nil input", s.StepID)
			}
		} else {
			if *s.InputFrom == s.StepID {
				return fmt.Errorf("pipeline step %s depends on itself", s.StepID)
			}
			if !seen[*s.InputFrom] {
				return fmt.Errorf("pipeline step %s: input_from %s does not reference an earlier step", s.StepID, *s.InputFrom)
			}
		}
		seen[s.StepID] = true
	}
	return nil
}

func matchesAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
