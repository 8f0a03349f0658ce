// Package store is the persistence collaborator: an append-only ledger of
// decision events. The runtime depends only on the Ledger interface.
package store

import (
	"context"
	"errors"

	"traceline/internal/contract"
)

var ErrNotFound = errors.New("not found")

// Query filters a ledger search. Zero-valued fields are ignored.
type Query struct {
	AgentID      string
	DecisionType string
	From         string // inclusive, RFC3339
	To           string // inclusive, RFC3339
	Limit        int
}

const DefaultSearchLimit = 50

type Ledger interface {
	// Store appends one event and returns its ledger id.
	Store(ctx context.Context, ev contract.DecisionEvent) (string, error)
	// Retrieve returns the event for an execution ref, or ErrNotFound.
	Retrieve(ctx context.Context, executionRef string) (contract.DecisionEvent, error)
	// Search returns matching events, most recent first.
	Search(ctx context.Context, q Query) ([]contract.DecisionEvent, error)
}
