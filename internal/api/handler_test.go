package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/deskd/internal/bus"
	"github.com/kalambet/deskd/internal/prompt"
	"github.com/kalambet/deskd/internal/provider"
	"github.com/kalambet/deskd/internal/router"
	"github.com/kalambet/deskd/internal/storage"
)

const testToken = "test-token-12345"

// scriptedGenerator replays canned replies in order, holding the last one.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []string
	err     error
}

func (g *scriptedGenerator) Generate(context.Context, []provider.Message, provider.GenConfig) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "", errors.New("scripted generator: no replies left")
	}
	reply := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}
	return reply, nil
}

func (g *scriptedGenerator) IsRunning(context.Context) bool { return true }

type staticGenerators struct {
	gen provider.Generator
}

func (s *staticGenerators) For(string) (provider.Generator, error) { return s.gen, nil }

type apiFixture struct {
	handler  http.Handler
	store    *storage.Store
	hub      *bus.Hub
	gen      *scriptedGenerator
	router   *router.Router
	customer storage.Endpoint
	backend  storage.Endpoint
}

func setupHandler(t *testing.T, replies ...string) *apiFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	customer, err := store.SaveEndpoint(storage.Endpoint{
		ID: "cust-1", Name: "Widget", Kind: storage.KindCustomer,
		ModelRef: "ollama/llama3.2", IsRunning: true,
	})
	if err != nil {
		t.Fatalf("SaveEndpoint: %v", err)
	}
	backend, err := store.SaveEndpoint(storage.Endpoint{
		ID: "back-1", Name: "Desk", Kind: storage.KindBackend,
		ModelRef: "ollama/llama3.2", IsRunning: true,
	})
	if err != nil {
		t.Fatalf("SaveEndpoint: %v", err)
	}

	gen := &scriptedGenerator{replies: replies}
	hub := bus.New()
	rt := router.New(store, &staticGenerators{gen: gen}, hub, prompt.NewBuilder("Acme"), nil)

	handler := NewHandler(Deps{
		Store:  store,
		Router: rt,
		Bus:    hub,
		Token:  testToken,
	})
	return &apiFixture{handler: handler, store: store, hub: hub, gen: gen, router: rt, customer: customer, backend: backend}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (f *apiFixture) do(t *testing.T, method, url, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, authReq(method, url, body, token))
	return rr
}

func errType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Type
}

func TestHealthOpen(t *testing.T) {
	f := setupHandler(t)
	rr := f.do(t, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestCustomerQuery_DirectAnswer(t *testing.T) {
	f := setupHandler(t, "We ship worldwide.")

	rr := f.do(t, http.MethodPost, "/v1/customer/cust-1/queries",
		`{"message":"Do you ship to Norway?","customer_name":"Alice"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var res router.CustomerResult
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want %s", res.Status, storage.StatusCompleted)
	}
	if res.Response != "We ship worldwide." {
		t.Errorf("response = %q", res.Response)
	}
	if res.QueryID == "" {
		t.Fatal("response missing query_id")
	}
}

func TestCustomerQuery_Escalates(t *testing.T) {
	f := setupHandler(t, "Let me ask a colleague. [INTERNAL NOTE: needs refund approval]")

	rr := f.do(t, http.MethodPost, "/v1/customer/cust-1/queries",
		`{"message":"I want a refund"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var res router.CustomerResult
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Status != storage.StatusPendingHuman {
		t.Errorf("status = %s, want %s", res.Status, storage.StatusPendingHuman)
	}
	if strings.Contains(res.Response, "INTERNAL NOTE") {
		t.Errorf("marker leaked: %q", res.Response)
	}
}

func TestCustomerQuery_Errors(t *testing.T) {
	f := setupHandler(t, "ok")

	rr := f.do(t, http.MethodPost, "/v1/customer/missing/queries", `{"message":"hi"}`, "")
	if rr.Code != http.StatusNotFound || errType(t, rr) != "not_found" {
		t.Fatalf("unknown endpoint: status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodPost, "/v1/customer/cust-1/queries", `{"message":"  "}`, "")
	if rr.Code != http.StatusBadRequest || errType(t, rr) != "validation_error" {
		t.Fatalf("blank message: status = %d", rr.Code)
	}

	stopped := f.customer
	stopped.IsRunning = false
	if _, err := f.store.SaveEndpoint(stopped); err != nil {
		t.Fatalf("SaveEndpoint: %v", err)
	}
	rr = f.do(t, http.MethodPost, "/v1/customer/cust-1/queries", `{"message":"hi"}`, "")
	if rr.Code != http.StatusConflict || errType(t, rr) != "not_running" {
		t.Fatalf("stopped endpoint: status = %d", rr.Code)
	}
}

func TestCustomerQuery_ProviderFailureIsGeneric(t *testing.T) {
	f := setupHandler(t)
	f.gen.err = &provider.GenError{Provider: "ollama", Err: errors.New("connection refused to 127.0.0.1:11434")}

	rr := f.do(t, http.MethodPost, "/v1/customer/cust-1/queries", `{"message":"hi"}`, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
	body := rr.Body.String()
	if strings.Contains(body, "11434") || strings.Contains(body, "connection refused") {
		t.Fatalf("provider detail leaked to customer: %s", body)
	}
	if !strings.Contains(body, "could not process request") {
		t.Fatalf("body = %s", body)
	}
}

func TestBackendSurfaceRequiresAuth(t *testing.T) {
	f := setupHandler(t)

	for _, url := range []string{"/v1/backend/back-1/queries", "/v1/endpoints", "/v1/queries?status=COMPLETED"} {
		rr := f.do(t, http.MethodGet, url, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want %d", url, rr.Code, http.StatusUnauthorized)
		}
	}

	rr := f.do(t, http.MethodGet, "/v1/backend/back-1/queries", "", "wrong-token")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestEscalationLifecycleOverHTTP(t *testing.T) {
	f := setupHandler(t,
		"One moment. [INTERNAL NOTE: check order 42]",
		"Your order 42 shipped yesterday.")

	rr := f.do(t, http.MethodPost, "/v1/customer/cust-1/queries",
		`{"message":"Where is order 42?","customer_name":"Bob"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ask: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res router.CustomerResult
	json.NewDecoder(rr.Body).Decode(&res)

	rr = f.do(t, http.MethodGet, "/v1/backend/back-1/queries", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("pending list: status = %d", rr.Code)
	}
	var pending []storage.Query
	json.NewDecoder(rr.Body).Decode(&pending)
	if len(pending) != 1 || pending[0].ID != res.QueryID {
		t.Fatalf("pending = %+v", pending)
	}

	claimURL := fmt.Sprintf("/v1/backend/back-1/queries/%s/claim", res.QueryID)
	rr = f.do(t, http.MethodPost, claimURL, "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("claim: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPost, claimURL, "", testToken)
	if rr.Code != http.StatusConflict || errType(t, rr) != "conflict" {
		t.Fatalf("second claim: status = %d", rr.Code)
	}

	respURL := fmt.Sprintf("/v1/backend/back-1/queries/%s/response", res.QueryID)
	rr = f.do(t, http.MethodPost, respURL, `{"response":"shipped yesterday"}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("response: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var q storage.Query
	json.NewDecoder(rr.Body).Decode(&q)
	if q.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want %s", q.Status, storage.StatusCompleted)
	}
	if !strings.Contains(q.InternalNote, "[HUMAN RESPONSE: shipped yesterday]") {
		t.Errorf("internal note = %q", q.InternalNote)
	}

	rr = f.do(t, http.MethodPost, respURL, `{"response":"again"}`, testToken)
	if rr.Code != http.StatusConflict || errType(t, rr) != "conflict" {
		t.Fatalf("response on completed: status = %d", rr.Code)
	}
}

func TestCreateEndpoint(t *testing.T) {
	f := setupHandler(t)

	rr := f.do(t, http.MethodPost, "/v1/endpoints",
		`{"name":"Docs Bot","kind":"CUSTOMER","model_ref":"openai/gpt-4o"}`, testToken)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var ep storage.Endpoint
	json.NewDecoder(rr.Body).Decode(&ep)
	if ep.ID == "" || ep.Address != "/v1/customer/"+ep.ID {
		t.Errorf("endpoint = %+v", ep)
	}
	if !ep.IsRunning {
		t.Error("new endpoint should default to running")
	}

	rr = f.do(t, http.MethodPost, "/v1/endpoints",
		`{"name":"Bad","kind":"SIDEWAYS","model_ref":"openai/gpt-4o"}`, testToken)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad kind: status = %d", rr.Code)
	}
	rr = f.do(t, http.MethodPost, "/v1/endpoints",
		`{"name":"Bad","kind":"CUSTOMER","model_ref":"no-slash"}`, testToken)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad model ref: status = %d", rr.Code)
	}
}

func TestUpdateEndpoint_KindImmutable(t *testing.T) {
	f := setupHandler(t)

	rr := f.do(t, http.MethodPatch, "/v1/endpoints/cust-1", `{"kind":"BACKEND"}`, testToken)
	if rr.Code != http.StatusBadRequest || errType(t, rr) != "validation_error" {
		t.Fatalf("status = %d", rr.Code)
	}

	// Restating the current kind is allowed.
	rr = f.do(t, http.MethodPatch, "/v1/endpoints/cust-1", `{"kind":"CUSTOMER","name":"Renamed"}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var ep storage.Endpoint
	json.NewDecoder(rr.Body).Decode(&ep)
	if ep.Name != "Renamed" {
		t.Errorf("name = %q", ep.Name)
	}
}

func TestUpdateEndpoint_RunningChangeBroadcasts(t *testing.T) {
	f := setupHandler(t)
	sub := f.hub.Subscribe(bus.TopicGlobal)
	defer sub.Close()

	rr := f.do(t, http.MethodPatch, "/v1/endpoints/cust-1", `{"is_running":false}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	select {
	case e := <-sub.C():
		if e.Type != bus.EventEndpointStatusChanged {
			t.Fatalf("event type = %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no global event after is_running change")
	}

	// A no-op write must not broadcast.
	rr = f.do(t, http.MethodPatch, "/v1/endpoints/cust-1", `{"is_running":false}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	select {
	case e := <-sub.C():
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteEndpointKeepsQueries(t *testing.T) {
	f := setupHandler(t, "Sure thing.")

	rr := f.do(t, http.MethodPost, "/v1/customer/cust-1/queries", `{"message":"hi"}`, "")
	var res router.CustomerResult
	json.NewDecoder(rr.Body).Decode(&res)

	rr = f.do(t, http.MethodDelete, "/v1/endpoints/cust-1", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/v1/queries/"+res.QueryID, "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("query gone after endpoint delete: status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/v1/endpoints/cust-1", "", testToken)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d", rr.Code)
	}
}

func TestListQueries(t *testing.T) {
	f := setupHandler(t, "Answered.")

	f.do(t, http.MethodPost, "/v1/customer/cust-1/queries", `{"message":"hi"}`, "")

	rr := f.do(t, http.MethodGet, "/v1/queries?status=COMPLETED", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var queries []storage.Query
	json.NewDecoder(rr.Body).Decode(&queries)
	if len(queries) != 1 {
		t.Fatalf("got %d queries, want 1", len(queries))
	}

	rr = f.do(t, http.MethodGet, "/v1/queries?status=NONSENSE", "", testToken)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: status = %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/v1/queries", "", testToken)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("no filter: status = %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/v1/queries?endpoint=cust-1", "", testToken)
	if rr.Code != http.StatusOK {
		t.Errorf("endpoint filter: status = %d", rr.Code)
	}
}

func TestListEndpointsByKindFilter(t *testing.T) {
	f := setupHandler(t)

	rr := f.do(t, http.MethodGet, "/v1/endpoints?kind=BACKEND", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var endpoints []storage.Endpoint
	json.NewDecoder(rr.Body).Decode(&endpoints)
	if len(endpoints) != 1 || endpoints[0].ID != f.backend.ID {
		t.Fatalf("endpoints = %+v", endpoints)
	}

	rr = f.do(t, http.MethodGet, "/v1/endpoints?kind=nope", "", testToken)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad kind filter: status = %d", rr.Code)
	}
}
