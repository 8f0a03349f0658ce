// Package contract defines the decision event: the immutable, hashed,
// schema-validated envelope every agent invocation produces exactly once.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"traceline/internal/schema"
)

type DecisionEvent struct {
	AgentID            string   `json:"agent_id"`
	AgentVersion       string   `json:"agent_version"`
	DecisionType       string   `json:"decision_type"`
	InputsHash         string   `json:"inputs_hash"`
	Outputs            any      `json:"outputs"`
	Confidence         float64  `json:"confidence" minimum:"0" maximum:"1"`
	ConstraintsApplied []string `json:"constraints_applied"`
	ExecutionRef       string   `json:"execution_ref"`
	Timestamp          string   `json:"timestamp" format:"date-time"`
}

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// HashInputs hashes the canonical JSON form of raw. Object keys are sorted
// recursively, so semantically identical inputs in different key orders hash
// identically. The hash stands in for raw inputs in the ledger: same hash,
// same agent version, an auditor expects the same outputs.
func HashInputs(raw any) (string, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("marshal inputs: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", fmt.Errorf("canonicalize inputs: %w", err)
	}
	// encoding/json emits map keys in sorted order, which makes the
	// re-marshaled form canonical.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal canonical inputs: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// New builds a validated DecisionEvent. The inputs hash is computed here so
// callers never supply it directly.
func New(agentID, agentVersion, decisionType string, inputs, outputs any, confidence float64, constraints []string, executionRef string, now time.Time) (DecisionEvent, error) {
	var verr schema.Errors
	if agentID == "" {
		verr.Add("agent_id", "is required")
	}
	if !semverRe.MatchString(agentVersion) {
		verr.Add("agent_version", "must be MAJOR.MINOR.PATCH, got %q", agentVersion)
	}
	if decisionType == "" {
		verr.Add("decision_type", "is required")
	}
	if confidence < 0 || confidence > 1 {
		verr.Add("confidence", "must be in [0,1], got %g", confidence)
	}
	if _, err := uuid.Parse(executionRef); err != nil {
		verr.Add("execution_ref", "must be a UUID, got %q", executionRef)
	}
	if err := verr.OrNil(); err != nil {
		return DecisionEvent{}, err
	}
	hash, err := HashInputs(inputs)
	if err != nil {
		return DecisionEvent{}, err
	}
	if constraints == nil {
		constraints = []string{}
	}
	return DecisionEvent{
		AgentID:            agentID,
		AgentVersion:       agentVersion,
		DecisionType:       decisionType,
		InputsHash:         hash,
		Outputs:            outputs,
		Confidence:         confidence,
		ConstraintsApplied: constraints,
		ExecutionRef:       executionRef,
		Timestamp:          now.UTC().Format(time.RFC3339),
	}, nil
}
