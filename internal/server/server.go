// Package server exposes the agent runtime and the decision ledger over
// HTTP. All invariants live below it; the server is a collaborator shell.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"traceline/internal/runtime"
	"traceline/internal/schema"
	"traceline/internal/store"
	"traceline/internal/trace"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  runtime.Runtime
	Agents   map[string]runtime.Agent
	Ledger   store.Ledger
	BasePath string
	Version  string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"no event for execution ref"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Traceline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Traceline API", version)
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAgents(group, cfg)
	registerInvoke(group, cfg)
	registerEvents(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if schema.IsValidation(err) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentsResponse `json:"body"`
	}, error) {
		names := make([]string, 0, len(cfg.Agents))
		for name := range cfg.Agents {
			names = append(names, name)
		}
		sort.Strings(names)
		infos := make([]AgentInfo, 0, len(names))
		for _, name := range names {
			d := cfg.Agents[name].Descriptor()
			infos = append(infos, AgentInfo{ID: d.ID, Version: d.Version, DecisionType: d.DecisionType})
		}
		return &struct {
			Body AgentsResponse `json:"body"`
		}{Body: AgentsResponse{Agents: infos}}, nil
	})
}

func registerInvoke(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "invoke-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent}/invoke",
		Summary:     "Invoke an analytical agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Agent string        `path:"agent"`
		Body  InvokeRequest `json:"body"`
	}) (*struct {
		Body InvokeResponse `json:"body"`
	}, error) {
		agent, ok := cfg.Agents[input.Agent]
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown agent %q", input.Agent), nil)
		}
		if input.Body.Input == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "input is required", nil)
		}

		executionRef := input.Body.ExecutionRef
		if executionRef == "" {
			executionRef = uuid.NewString()
		}

		var graph *trace.Graph
		if input.Body.ParentSpanID != "" {
			var err error
			graph, err = trace.NewGraph(executionRef, input.Body.ParentSpanID, input.Body.TraceID)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}

		var spanID string
		if graph != nil {
			spanID = graph.StartAgentSpan(agent.Descriptor().ID)
		}

		res := cfg.Runtime.Invoke(ctx, agent, input.Body.Input, executionRef)

		if graph != nil {
			if res.Status == runtime.StatusSuccess {
				var artifacts []trace.Artifact
				if res.Event != nil {
					artifacts = append(artifacts, trace.Artifact{
						Name:         "decision_event",
						ArtifactType: "decision_event",
						Reference:    res.Event.ExecutionRef,
					})
				}
				if err := graph.CompleteAgentSpan(spanID, artifacts); err != nil {
					return nil, handleError(err)
				}
				if err := graph.CompleteRepo(); err != nil {
					return nil, handleError(err)
				}
			} else {
				if err := graph.FailAgentSpan(spanID, res.ErrorMessage); err != nil {
					return nil, handleError(err)
				}
				graph.FailRepo(res.ErrorMessage)
			}
		}

		resp := InvokeResponse{Result: res}
		if graph != nil {
			resp.Trace = graph.Spans()
		}
		if p, ok := principalFromContext(ctx); ok {
			resp.InvokedBy = p.Subject
		}
		return &struct {
			Body InvokeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{execution_ref}",
		Summary:     "Fetch the decision event for an execution ref",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionRef string `path:"execution_ref"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		ev, err := cfg.Ledger.Retrieve(ctx, input.ExecutionRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: EventResponse{Event: ev}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Search decision events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID      string `query:"agent_id"`
		DecisionType string `query:"decision_type"`
		From         string `query:"from"`
		To           string `query:"to"`
		Limit        int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		events, err := cfg.Ledger.Search(ctx, store.Query{
			AgentID:      input.AgentID,
			DecisionType: input.DecisionType,
			From:         input.From,
			To:           input.To,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Events: events, Count: len(events)}}, nil
	})
}
