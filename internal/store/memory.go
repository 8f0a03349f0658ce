package store

import (
	"context"
	"strconv"
	"sync"

	"traceline/internal/contract"
)

// Memory is an in-process ledger for tests and ephemeral runs.
type Memory struct {
	mu     sync.Mutex
	events []contract.DecisionEvent
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Store(_ context.Context, ev contract.DecisionEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return strconv.Itoa(len(m.events)), nil
}

func (m *Memory) Retrieve(_ context.Context, executionRef string) (contract.DecisionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].ExecutionRef == executionRef {
			return m.events[i], nil
		}
	}
	return contract.DecisionEvent{}, ErrNotFound
}

func (m *Memory) Search(_ context.Context, q Query) ([]contract.DecisionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	var res []contract.DecisionEvent
	for i := len(m.events) - 1; i >= 0 && len(res) < limit; i-- {
		ev := m.events[i]
		if q.AgentID != "" && ev.AgentID != q.AgentID {
			continue
		}
		if q.DecisionType != "" && ev.DecisionType != q.DecisionType {
			continue
		}
		if q.From != "" && ev.Timestamp < q.From {
			continue
		}
		if q.To != "" && ev.Timestamp > q.To {
			continue
		}
		res = append(res, ev)
	}
	return res, nil
}

// Len reports how many events have been appended.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
