package tracelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Traceline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// DecisionEvent mirrors the API decision event model.
type DecisionEvent struct {
	AgentID            string         `json:"agent_id"`
	AgentVersion       string         `json:"agent_version"`
	DecisionType       string         `json:"decision_type"`
	InputsHash         string         `json:"inputs_hash"`
	Outputs            map[string]any `json:"outputs"`
	Confidence         float64        `json:"confidence"`
	ConstraintsApplied []string       `json:"constraints_applied"`
	ExecutionRef       string         `json:"execution_ref"`
	Timestamp          string         `json:"timestamp"`
}

// PersistenceStatus reports whether the event reached the ledger.
type PersistenceStatus struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Span is one node of an execution trace.
type Span struct {
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id"`
	SpanType     string `json:"span_type"`
	AgentName    string `json:"agent_name,omitempty"`
	Status       string `json:"status"`
}

// InvokeResult is the tagged invocation outcome.
type InvokeResult struct {
	Status            string             `json:"status"`
	Event             *DecisionEvent     `json:"event,omitempty"`
	PersistenceStatus *PersistenceStatus `json:"persistence_status,omitempty"`
	ErrorCode         string             `json:"error_code,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	ExecutionRef      string             `json:"execution_ref,omitempty"`
	Trace             []Span             `json:"trace,omitempty"`
}

// AgentInfo describes one registered agent.
type AgentInfo struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	DecisionType string `json:"decision_type"`
}

// SearchQuery filters event searches. Zero values are omitted.
type SearchQuery struct {
	AgentID      string
	DecisionType string
	From         string
	To           string
	Limit        int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InvokeAgent runs one analytical agent with the given input.
func (c *Client) InvokeAgent(ctx context.Context, agent string, input map[string]any, executionRef string) (InvokeResult, error) {
	body := map[string]any{"input": input}
	if executionRef != "" {
		body["execution_ref"] = executionRef
	}
	var resp InvokeResult
	endpoint := fmt.Sprintf("v0/agents/%s/invoke", url.PathEscape(agent))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// InvokeAgentTraced additionally threads caller span context through the
// invocation so the response carries an execution trace.
func (c *Client) InvokeAgentTraced(ctx context.Context, agent string, input map[string]any, executionRef, parentSpanID, traceID string) (InvokeResult, error) {
	body := map[string]any{
		"input":          input,
		"parent_span_id": parentSpanID,
	}
	if executionRef != "" {
		body["execution_ref"] = executionRef
	}
	if traceID != "" {
		body["trace_id"] = traceID
	}
	var resp InvokeResult
	endpoint := fmt.Sprintf("v0/agents/%s/invoke", url.PathEscape(agent))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Agents lists the registered agents.
func (c *Client) Agents(ctx context.Context) ([]AgentInfo, error) {
	var resp struct {
		Agents []AgentInfo `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "v0/agents", nil, &resp)
	return resp.Agents, err
}

// GetEvent fetches the decision event for an execution ref.
func (c *Client) GetEvent(ctx context.Context, executionRef string) (DecisionEvent, error) {
	var resp struct {
		Event DecisionEvent `json:"event"`
	}
	endpoint := fmt.Sprintf("v0/events/%s", url.PathEscape(executionRef))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Event, err
}

// SearchEvents returns decision events matching the query, newest first.
func (c *Client) SearchEvents(ctx context.Context, q SearchQuery) ([]DecisionEvent, error) {
	params := url.Values{}
	if q.AgentID != "" {
		params.Set("agent_id", q.AgentID)
	}
	if q.DecisionType != "" {
		params.Set("decision_type", q.DecisionType)
	}
	if q.From != "" {
		params.Set("from", q.From)
	}
	if q.To != "" {
		params.Set("to", q.To)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	endpoint := "v0/events"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp struct {
		Events []DecisionEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
