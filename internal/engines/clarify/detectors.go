package clarify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + raw[:8]
}

// tokenize lowers the text and strips punctuation so membership tests
// match whole words rather than substrings.
func tokenize(text string) []string {
	lowered := strings.ToLower(text)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}

func hasWord(words []string, term string) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(" "+strings.Join(words, " ")+" ", " "+term+" ")
	}
	for _, w := range words {
		if w == term {
			return true
		}
	}
	return false
}

func (e Engine) detectAmbiguities(in Input) []Ambiguity {
	words := tokenize(in.Objective)
	out := []Ambiguity{}

	for _, term := range e.tables.quantifiers {
		if !hasWord(words, term) {
			continue
		}
		out = append(out, Ambiguity{
			ID:         newID("amb"),
			Type:       AmbiguityQuantitative,
			SourceText: term,
			Interpretations: []Interpretation{
				{Interpretation: fmt.Sprintf("%q means on the order of tens", term), Likelihood: 0.3, Assumptions: []string{"small-scale deployment"}},
				{Interpretation: fmt.Sprintf("%q means on the order of thousands", term), Likelihood: 0.5, Assumptions: []string{"typical production workload"}},
				{Interpretation: fmt.Sprintf("%q means millions or more", term), Likelihood: 0.2, Assumptions: []string{"internet-scale workload"}},
			},
			Severity:            SeverityHigh,
			ClarificationPrompt: fmt.Sprintf("What concrete quantity does %q refer to?", term),
		})
	}

	for _, term := range e.tables.temporals {
		if !hasWord(words, term) {
			continue
		}
		out = append(out, Ambiguity{
			ID:         newID("amb"),
			Type:       AmbiguityTemporal,
			SourceText: term,
			Interpretations: []Interpretation{
				{Interpretation: fmt.Sprintf("%q means within days", term), Likelihood: 0.4, Assumptions: []string{"urgent priority"}},
				{Interpretation: fmt.Sprintf("%q means within the current iteration", term), Likelihood: 0.4, Assumptions: []string{"normal planning cadence"}},
				{Interpretation: fmt.Sprintf("%q means best effort, no fixed date", term), Likelihood: 0.2, Assumptions: []string{"no external deadline"}},
			},
			Severity:            SeverityHigh,
			ClarificationPrompt: fmt.Sprintf("What concrete deadline does %q correspond to?", term),
		})
	}

	for _, term := range e.tables.scopeWords {
		if !hasWord(words, term) {
			continue
		}
		out = append(out, Ambiguity{
			ID:         newID("amb"),
			Type:       AmbiguityScope,
			SourceText: term,
			Interpretations: []Interpretation{
				{Interpretation: fmt.Sprintf("%q covers the listed items only", term), Likelihood: 0.6, Assumptions: []string{"scope bounded by the objective text"}},
				{Interpretation: fmt.Sprintf("%q covers the entire surrounding system", term), Likelihood: 0.4, Assumptions: []string{"open-ended scope"}},
			},
			Severity:            SeverityMedium,
			ClarificationPrompt: fmt.Sprintf("What is the exact boundary implied by %q?", term),
		})
	}

	if in.ExistingContext == "" {
		for _, term := range e.tables.pronouns {
			if !hasWord(words, term) {
				continue
			}
			out = append(out, Ambiguity{
				ID:         newID("amb"),
				Type:       AmbiguityReferential,
				SourceText: term,
				Interpretations: []Interpretation{
					{Interpretation: fmt.Sprintf("%q refers to the system under construction", term), Likelihood: 0.5, Assumptions: []string{"self-reference"}},
					{Interpretation: fmt.Sprintf("%q refers to an external entity not named here", term), Likelihood: 0.5, Assumptions: []string{"missing antecedent"}},
				},
				Severity:            SeverityHigh,
				ClarificationPrompt: fmt.Sprintf("What does %q refer to?", term),
			})
		}
	}

	out = append(out, detectConditionals(in.Objective)...)

	terms := make([]string, 0, len(e.tables.polysemy))
	for term := range e.tables.polysemy {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for _, term := range terms {
		if !hasWord(words, term) {
			continue
		}
		senses := e.tables.polysemy[term]
		out = append(out, Ambiguity{
			ID:                  newID("amb"),
			Type:                AmbiguitySemantic,
			SourceText:          term,
			Interpretations:     weightedSenses(senses),
			Severity:            SeverityMedium,
			ClarificationPrompt: fmt.Sprintf("Which sense of %q is intended?", term),
		})
	}

	return out
}

// detectConditionals flags clauses that open a condition but never state
// a consequent, such as a trailing "if possible".
func detectConditionals(objective string) []Ambiguity {
	out := []Ambiguity{}
	lowered := strings.ToLower(objective)
	for _, trigger := range []string{"if", "when", "unless"} {
		idx := indexWord(lowered, trigger)
		if idx < 0 {
			continue
		}
		tail := strings.TrimSpace(lowered[idx+len(trigger):])
		tail = strings.TrimRight(tail, ".!?")
		if len(strings.Fields(tail)) >= 4 {
			continue
		}
		out = append(out, Ambiguity{
			ID:         newID("amb"),
			Type:       AmbiguityConditional,
			SourceText: strings.TrimSpace(objective[idx:]),
			Interpretations: []Interpretation{
				{Interpretation: "the condition gates the whole objective", Likelihood: 0.5, Assumptions: []string{"hard precondition"}},
				{Interpretation: "the condition is a soft preference", Likelihood: 0.5, Assumptions: []string{"best effort"}},
			},
			Severity:            SeverityMedium,
			ClarificationPrompt: fmt.Sprintf("The condition starting at %q has no stated consequence. What should happen?", trigger),
		})
	}
	return out
}

func indexWord(lowered, term string) int {
	padded := " " + lowered + " "
	idx := strings.Index(padded, " "+term+" ")
	if idx < 0 {
		return -1
	}
	return idx
}

func weightedSenses(senses []string) []Interpretation {
	weights := []float64{0.5, 0.3, 0.2}
	if len(senses) == 2 {
		weights = []float64{0.6, 0.4}
	}
	out := make([]Interpretation, 0, len(senses))
	for i, s := range senses {
		w := 0.1
		if i < len(weights) {
			w = weights[i]
		}
		out = append(out, Interpretation{Interpretation: s, Likelihood: w, Assumptions: []string{}})
	}
	return out
}

type constraintProbe struct {
	category   string
	signals    []string
	severity   string
	desc       string
	impact     string
	prompt     string
	assumption string
}

var constraintProbes = []constraintProbe{
	{
		category:   ConstraintTemporal,
		signals:    []string{"by", "deadline", "before", "until", "within", "due", "date"},
		severity:   SeverityHigh,
		desc:       "no explicit deadline or time bound",
		impact:     "delivery may be deprioritized indefinitely",
		prompt:     "By when must this objective be achieved?",
		assumption: "no fixed deadline; work proceeds at normal cadence",
	},
	{
		category:   ConstraintResource,
		signals:    []string{"budget", "cost", "resource", "resources", "capacity", "headcount", "team"},
		severity:   SeverityMedium,
		desc:       "no budget, cost, or staffing bound",
		impact:     "resource usage is unbounded",
		prompt:     "What budget or staffing constraints apply?",
		assumption: "existing team and infrastructure, no additional spend",
	},
	{
		category:   ConstraintQuality,
		signals:    []string{"quality", "reliable", "reliability", "availability", "sla", "uptime", "tested", "coverage"},
		severity:   SeverityHigh,
		desc:       "no quality or reliability target",
		impact:     "acceptable defect and availability levels are undefined",
		prompt:     "What quality or reliability bar must be met?",
		assumption: "standard production quality with basic test coverage",
	},
	{
		category:   ConstraintScope,
		signals:    []string{"only", "except", "exclude", "excluding", "scope", "limited"},
		severity:   SeverityMedium,
		desc:       "no explicit scope boundary",
		impact:     "scope may grow past the original intent",
		prompt:     "What is explicitly out of scope?",
		assumption: "scope is limited to what the objective text names",
	},
	{
		category:   ConstraintDependency,
		signals:    []string{"depends", "requires", "prerequisite", "after", "existing", "integrate", "integrates"},
		severity:   SeverityMedium,
		desc:       "no stated dependencies or prerequisites",
		impact:     "blocking dependencies may surface late",
		prompt:     "What existing systems or work does this depend on?",
		assumption: "no external dependencies beyond the current codebase",
	},
	{
		category:   ConstraintTechnical,
		signals:    []string{"stack", "language", "framework", "platform", "database", "api", "protocol"},
		severity:   SeverityMedium,
		desc:       "no technology or platform constraint",
		impact:     "implementation may pick an incompatible stack",
		prompt:     "Are there required technologies or platforms?",
		assumption: "the team's current default stack",
	},
	{
		category:   ConstraintPerformance,
		signals:    []string{"latency", "throughput", "performance", "rps", "qps", "concurrent", "scale", "users", "load"},
		severity:   SeverityMedium,
		desc:       "no performance or load target",
		impact:     "the solution may not meet real traffic",
		prompt:     "What load and latency targets must be met?",
		assumption: "moderate load with no hard latency bound",
	},
	{
		category:   ConstraintCompliance,
		signals:    []string{"compliance", "gdpr", "hipaa", "pci", "regulation", "regulatory", "privacy", "audit"},
		severity:   SeverityLow,
		desc:       "no compliance or regulatory requirement stated",
		impact:     "regulated data may be handled incorrectly",
		prompt:     "Do any compliance regimes apply?",
		assumption: "no regulated data is involved",
	},
}

func (e Engine) detectMissingConstraints(objective string) []MissingConstraint {
	words := tokenize(objective)
	out := []MissingConstraint{}
	for _, probe := range constraintProbes {
		present := false
		for _, sig := range probe.signals {
			if hasWord(words, sig) {
				present = true
				break
			}
		}
		if present {
			continue
		}
		out = append(out, MissingConstraint{
			ID:                  newID("mc"),
			Category:            probe.category,
			Description:         probe.desc,
			Impact:              probe.impact,
			Severity:            probe.severity,
			ClarificationPrompt: probe.prompt,
			DefaultAssumption:   probe.assumption,
		})
	}
	return out
}
