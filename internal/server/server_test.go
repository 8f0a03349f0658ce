package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"traceline/internal/config"
	"traceline/internal/engines/clarify"
	"traceline/internal/engines/decompose"
	"traceline/internal/runtime"
	"traceline/internal/store"
	"traceline/internal/telemetry"
	"traceline/internal/trace"
)

type testServer struct {
	URL    string
	Ledger *store.Memory
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	ledger := store.NewMemory()
	rt := runtime.New(ledger, telemetry.Nop{})
	handler, err := New(Config{
		Runtime: rt,
		Agents: map[string]runtime.Agent{
			"decomposer": decompose.New(cfg),
			"clarifier":  clarify.New(cfg),
		},
		Ledger:   ledger,
		BasePath: "/v0",
		Auth:     auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Ledger: ledger,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestInvokeAndRetrieve(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/decomposer/invoke", map[string]any{
		"input": map[string]any{"objective": "Build and test the billing service"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invoke status %d: %s", res.StatusCode, string(data))
	}
	var invoked InvokeResponse
	if err := json.Unmarshal(data, &invoked); err != nil {
		t.Fatalf("unmarshal invoke response: %v", err)
	}
	if invoked.Status != runtime.StatusSuccess {
		t.Fatalf("invoke status = %s: %s", invoked.Status, string(data))
	}
	if invoked.Event == nil {
		t.Fatalf("expected an event on success")
	}
	if invoked.PersistenceStatus == nil || invoked.PersistenceStatus.Status != runtime.PersistenceStored {
		t.Fatalf("persistence status = %+v", invoked.PersistenceStatus)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events/"+invoked.Event.ExecutionRef, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get event status %d: %s", res.StatusCode, string(data))
	}
	var fetched EventResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if fetched.Event.ExecutionRef != invoked.Event.ExecutionRef {
		t.Fatalf("fetched ref %s, want %s", fetched.Event.ExecutionRef, invoked.Event.ExecutionRef)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?agent_id=decomposer", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search status %d: %s", res.StatusCode, string(data))
	}
	var search EventsResponse
	if err := json.Unmarshal(data, &search); err != nil {
		t.Fatalf("unmarshal search: %v", err)
	}
	if search.Count != 1 {
		t.Fatalf("search count = %d, want 1", search.Count)
	}
}

func TestInvokeUnknownAgent(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agents/oracle/invoke", map[string]any{
		"input": map[string]any{"objective": "anything"},
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %s: %s", envelope.Error.Code, string(data))
	}
}

func TestInvokeValidationFailure(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agents/clarifier/invoke", map[string]any{
		"input": map[string]any{},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var invoked InvokeResponse
	if err := json.Unmarshal(data, &invoked); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if invoked.Status != runtime.StatusError {
		t.Fatalf("status = %s, want error", invoked.Status)
	}
	if invoked.ErrorCode != runtime.CodeValidationFailed {
		t.Fatalf("error code = %s, want %s", invoked.ErrorCode, runtime.CodeValidationFailed)
	}
	if invoked.Event != nil {
		t.Fatalf("validation failures must not carry an event")
	}
	if srv.Ledger.Len() != 0 {
		t.Fatalf("validation failures must not be persisted")
	}
}

func TestInvokeWithSpanContext(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agents/decomposer/invoke", map[string]any{
		"input":          map[string]any{"objective": "Build the ingestion pipeline"},
		"parent_span_id": "0123456789abcdef",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var invoked InvokeResponse
	if err := json.Unmarshal(data, &invoked); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(invoked.Trace) != 2 {
		t.Fatalf("trace spans = %d, want repo + agent", len(invoked.Trace))
	}
	for _, span := range invoked.Trace {
		if span.Status != trace.StatusCompleted {
			t.Fatalf("span %s status = %s, want completed", span.SpanID, span.Status)
		}
	}
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be exempt, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", res.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"}).
		SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/decomposer/invoke", map[string]any{
		"input": map[string]any{"objective": "Build the billing service"},
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated invoke status %d: %s", res.StatusCode, string(data))
	}
	var invoked InvokeResponse
	if err := json.Unmarshal(data, &invoked); err != nil {
		t.Fatalf("unmarshal invoke response: %v", err)
	}
	if invoked.InvokedBy != "tester" {
		t.Fatalf("invoked_by = %q, want tester", invoked.InvokedBy)
	}
}

func TestInvokeWithoutAuthHasNoInvokedBy(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agents/decomposer/invoke", map[string]any{
		"input": map[string]any{"objective": "Build the billing service"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invoke status %d: %s", res.StatusCode, string(data))
	}
	var invoked InvokeResponse
	if err := json.Unmarshal(data, &invoked); err != nil {
		t.Fatalf("unmarshal invoke response: %v", err)
	}
	if invoked.InvokedBy != "" {
		t.Fatalf("invoked_by = %q, want empty", invoked.InvokedBy)
	}
}
