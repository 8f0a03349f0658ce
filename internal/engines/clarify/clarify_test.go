package clarify

import (
	"testing"

	"traceline/internal/config"
	"traceline/internal/schema"
)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	return New(config.Default())
}

func countType(ambiguities []Ambiguity, typ string) int {
	n := 0
	for _, a := range ambiguities {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func TestVagueQuantifierAndTemporal(t *testing.T) {
	e := newTestEngine(t)
	res := e.Clarify(Input{Objective: "Build a system that handles many users soon"})

	if countType(res.Ambiguities, AmbiguityQuantitative) < 1 {
		t.Fatalf("expected a quantitative ambiguity for %q", "many")
	}
	if countType(res.Ambiguities, AmbiguityTemporal) < 1 {
		t.Fatalf("expected a temporal ambiguity for %q", "soon")
	}
	for _, a := range res.Ambiguities {
		if len(a.Interpretations) < 2 || len(a.Interpretations) > 3 {
			t.Fatalf("ambiguity %s has %d interpretations", a.ID, len(a.Interpretations))
		}
		if a.ClarificationPrompt == "" {
			t.Fatalf("ambiguity %s has no clarification prompt", a.ID)
		}
	}
}

func TestInsufficientObjective(t *testing.T) {
	e := newTestEngine(t)
	res := e.Clarify(Input{Objective: "Do"})

	if res.Status != StatusInsufficient {
		t.Fatalf("status = %s, want %s", res.Status, StatusInsufficient)
	}
	if len(res.Ambiguities) != 0 || len(res.NormalizedGoals) != 0 {
		t.Fatalf("insufficient objective should carry no detector output")
	}
}

func TestPronounResolvedByContext(t *testing.T) {
	e := newTestEngine(t)

	bare := e.Clarify(Input{Objective: "Improve it quickly"})
	if countType(bare.Ambiguities, AmbiguityReferential) == 0 {
		t.Fatalf("expected a referential ambiguity without context")
	}

	ctx := e.Clarify(Input{
		Objective:       "Improve it quickly",
		ExistingContext: "the checkout service",
	})
	if countType(ctx.Ambiguities, AmbiguityReferential) != 0 {
		t.Fatalf("context should suppress referential ambiguities")
	}
}

func TestPolysemyInterpretations(t *testing.T) {
	e := newTestEngine(t)
	res := e.Clarify(Input{Objective: "Design the data model for the reporting service"})

	if got := countType(res.Ambiguities, AmbiguitySemantic); got != 2 {
		t.Fatalf("semantic ambiguities = %d, want 2", got)
	}
	for _, a := range res.Ambiguities {
		if a.Type != AmbiguitySemantic {
			continue
		}
		for i := 1; i < len(a.Interpretations); i++ {
			if a.Interpretations[i].Likelihood > a.Interpretations[i-1].Likelihood {
				t.Fatalf("interpretations for %q not weighted descending", a.SourceText)
			}
		}
	}
}

func TestIncompleteConditional(t *testing.T) {
	e := newTestEngine(t)
	res := e.Clarify(Input{Objective: "Deploy the payment service if possible"})

	if countType(res.Ambiguities, AmbiguityConditional) == 0 {
		t.Fatalf("expected a conditional ambiguity for a dangling condition")
	}
}

func TestMissingConstraintBattery(t *testing.T) {
	e := newTestEngine(t)
	res := e.Clarify(Input{Objective: "Build the billing dashboard"})

	categories := map[string]bool{}
	for _, c := range res.MissingConstraints {
		categories[c.Category] = true
		if c.DefaultAssumption == "" {
			t.Fatalf("missing constraint %s has no default assumption", c.ID)
		}
		if c.ClarificationPrompt == "" {
			t.Fatalf("missing constraint %s has no clarification prompt", c.ID)
		}
	}
	for _, want := range []string{ConstraintTemporal, ConstraintQuality, ConstraintPerformance} {
		if !categories[want] {
			t.Fatalf("missing constraints lack category %s", want)
		}
	}
}

func TestFullySpecifiedObjectiveIsClear(t *testing.T) {
	e := newTestEngine(t)
	objective := "Implement the billing api due by March within current team budget, " +
		"tested to 90 percent coverage, scope limited to EU privacy regulation, " +
		"for 1000 concurrent users on the existing platform stack"
	res := e.Clarify(Input{Objective: objective})

	if len(res.Ambiguities) != 0 {
		t.Fatalf("unexpected ambiguities: %+v", res.Ambiguities)
	}
	if len(res.MissingConstraints) != 0 {
		t.Fatalf("unexpected missing constraints: %+v", res.MissingConstraints)
	}
	if res.Status != StatusClear {
		t.Fatalf("status = %s, want %s", res.Status, StatusClear)
	}
}

func TestManyGoalsRequireDecomposition(t *testing.T) {
	e := newTestEngine(t)
	objective := "Build the parser. Test the lexer. Deploy the gateway. Document the api. " +
		"Migrate the schema. Optimize the cache. Refactor the router. Fix the logger."
	res := e.Clarify(Input{Objective: objective})

	if len(res.NormalizedGoals) != 8 {
		t.Fatalf("goals = %d, want 8", len(res.NormalizedGoals))
	}
	if res.Status != StatusRequiresDecomposition {
		t.Fatalf("status = %s, want %s", res.Status, StatusRequiresDecomposition)
	}
}

func TestGoalExtraction(t *testing.T) {
	e := newTestEngine(t)
	res := e.Clarify(Input{Objective: "Build the billing dashboard and test the checkout flow"})

	if len(res.NormalizedGoals) != 2 {
		t.Fatalf("goals = %d, want 2", len(res.NormalizedGoals))
	}
	first, second := res.NormalizedGoals[0], res.NormalizedGoals[1]
	if first.Action != "build" || second.Action != "test" {
		t.Fatalf("actions = %s, %s", first.Action, second.Action)
	}
	if first.Object != "the billing dashboard" {
		t.Fatalf("object = %q", first.Object)
	}
	if first.Subject != "system" {
		t.Fatalf("subject = %q", first.Subject)
	}
	if first.Type != GoalFunctional {
		t.Fatalf("type = %s, want %s", first.Type, GoalFunctional)
	}
}

func TestGoalClassification(t *testing.T) {
	cases := []struct {
		clause string
		want   string
	}{
		{"Build the export endpoint", GoalFunctional},
		{"Ensure requests must finish within budget", GoalConstraint},
		{"Improve the reliability of the queue", GoalNonFunctional},
		{"Integrate with the existing ledger", GoalAssumption},
	}
	for _, tc := range cases {
		if got := classifyGoal(tc.clause); got != tc.want {
			t.Fatalf("classifyGoal(%q) = %s, want %s", tc.clause, got, tc.want)
		}
	}
}

func TestAnalyzeConfidence(t *testing.T) {
	e := newTestEngine(t)

	out, err := e.Analyze(Input{Objective: "Do"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Confidence != 0.2 {
		t.Fatalf("insufficient confidence = %v, want 0.2", out.Confidence)
	}

	out, err = e.Analyze(Input{Objective: "Quickly improve everything for many of them soon"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Confidence < 0.1 || out.Confidence > 0.9 {
		t.Fatalf("confidence %v out of range", out.Confidence)
	}
}

func TestParseInputRejectsMissingObjective(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.ParseInput(map[string]any{}); !schema.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := e.ParseInput(map[string]any{"objective": "   "}); !schema.IsValidation(err) {
		t.Fatalf("expected validation error for blank objective, got %v", err)
	}
}
