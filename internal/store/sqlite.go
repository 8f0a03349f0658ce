package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"traceline/internal/contract"
)

// SQLite is the workspace-local ledger backed by the .traceline database.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) SQLite {
	return SQLite{DB: db, Now: time.Now}
}

func (s SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLite) Store(ctx context.Context, ev contract.DecisionEvent) (string, error) {
	outputs, err := json.Marshal(ev.Outputs)
	if err != nil {
		return "", fmt.Errorf("marshal outputs: %w", err)
	}
	constraints, err := json.Marshal(ev.ConstraintsApplied)
	if err != nil {
		return "", fmt.Errorf("marshal constraints: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO decision_events(execution_ref,agent_id,agent_version,decision_type,inputs_hash,outputs_json,confidence,constraints_json,ts,stored_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.ExecutionRef, ev.AgentID, ev.AgentVersion, ev.DecisionType, ev.InputsHash,
		string(outputs), ev.Confidence, string(constraints), ev.Timestamp,
		s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("persistence insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("persistence id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

func scanEvent(rows interface{ Scan(...any) error }) (contract.DecisionEvent, error) {
	var ev contract.DecisionEvent
	var outputs, constraints string
	err := rows.Scan(&ev.ExecutionRef, &ev.AgentID, &ev.AgentVersion, &ev.DecisionType,
		&ev.InputsHash, &outputs, &ev.Confidence, &constraints, &ev.Timestamp)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal([]byte(outputs), &ev.Outputs); err != nil {
		return ev, fmt.Errorf("decode outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(constraints), &ev.ConstraintsApplied); err != nil {
		return ev, fmt.Errorf("decode constraints: %w", err)
	}
	return ev, nil
}

const eventColumns = `execution_ref,agent_id,agent_version,decision_type,inputs_hash,outputs_json,confidence,constraints_json,ts`

func (s SQLite) Retrieve(ctx context.Context, executionRef string) (contract.DecisionEvent, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM decision_events WHERE execution_ref=? ORDER BY id DESC LIMIT 1`, executionRef)
	return scanEvent(row)
}

func (s SQLite) Search(ctx context.Context, q Query) ([]contract.DecisionEvent, error) {
	var (
		where []string
		args  []any
	)
	if q.AgentID != "" {
		where = append(where, "agent_id=?")
		args = append(args, q.AgentID)
	}
	if q.DecisionType != "" {
		where = append(where, "decision_type=?")
		args = append(args, q.DecisionType)
	}
	if q.From != "" {
		where = append(where, "ts>=?")
		args = append(args, q.From)
	}
	if q.To != "" {
		where = append(where, "ts<=?")
		args = append(args, q.To)
	}
	query := `SELECT ` + eventColumns + ` FROM decision_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []contract.DecisionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
