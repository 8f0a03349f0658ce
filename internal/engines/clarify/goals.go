package clarify

import "strings"

var nonFunctionalSignals = []string{
	"fast", "performance", "secure", "security", "reliable", "reliability",
	"scalable", "scalability", "usable", "available", "availability",
	"maintainable", "latency", "throughput",
}

var constraintSignals = []string{
	"must", "only", "within", "without", "never", "always", "except",
}

var assumptionSignals = []string{
	"assume", "assuming", "given", "existing", "already",
}

func (e Engine) normalizeGoals(objective string) []NormalizedGoal {
	out := []NormalizedGoal{}
	for _, clause := range e.splitClauses(objective) {
		goal, ok := e.goalFromClause(clause)
		if !ok {
			continue
		}
		out = append(out, goal)
	}
	return out
}

// splitClauses breaks the objective on sentence boundaries, then on "and"
// joints whose right side opens with a known action verb.
func (e Engine) splitClauses(objective string) []string {
	sentences := strings.FieldsFunc(objective, func(r rune) bool {
		return r == '.' || r == ';' || r == '!' || r == '?'
	})
	clauses := []string{}
	for _, sentence := range sentences {
		parts := strings.Split(sentence, " and ")
		current := ""
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			first := strings.ToLower(strings.Fields(trimmed)[0])
			if current != "" && !e.isVerb(first) {
				current += " and " + trimmed
				continue
			}
			if current != "" {
				clauses = append(clauses, current)
			}
			current = trimmed
		}
		if current != "" {
			clauses = append(clauses, current)
		}
	}
	return clauses
}

func (e Engine) isVerb(word string) bool {
	for _, v := range e.tables.verbs {
		if word == v {
			return true
		}
	}
	return false
}

func (e Engine) goalFromClause(clause string) (NormalizedGoal, bool) {
	words := strings.Fields(clause)
	verbIdx := -1
	for i, w := range words {
		if e.isVerb(strings.ToLower(strings.Trim(w, ",:"))) {
			verbIdx = i
			break
		}
	}
	if verbIdx < 0 {
		return NormalizedGoal{}, false
	}

	action := strings.ToLower(strings.Trim(words[verbIdx], ",:"))
	subject := strings.TrimSpace(strings.Join(words[:verbIdx], " "))
	if subject == "" {
		subject = "system"
	}
	object := strings.TrimSpace(strings.Join(words[verbIdx+1:], " "))

	confidence := 0.8
	if object == "" {
		confidence = 0.6
	}

	return NormalizedGoal{
		GoalID:     newID("goal"),
		Statement:  clause,
		Type:       classifyGoal(clause),
		Action:     action,
		Subject:    subject,
		Object:     object,
		Qualifiers: e.qualifiers(clause),
		Confidence: confidence,
		SourceText: clause,
	}, true
}

func classifyGoal(clause string) string {
	words := tokenize(clause)
	for _, sig := range assumptionSignals {
		if hasWord(words, sig) {
			return GoalAssumption
		}
	}
	for _, sig := range constraintSignals {
		if hasWord(words, sig) {
			return GoalConstraint
		}
	}
	for _, sig := range nonFunctionalSignals {
		if hasWord(words, sig) {
			return GoalNonFunctional
		}
	}
	return GoalFunctional
}

func (e Engine) qualifiers(clause string) []string {
	words := tokenize(clause)
	out := []string{}
	for _, table := range [][]string{e.tables.quantifiers, e.tables.temporals, e.tables.scopeWords} {
		for _, term := range table {
			if hasWord(words, term) {
				out = append(out, term)
			}
		}
	}
	return out
}
