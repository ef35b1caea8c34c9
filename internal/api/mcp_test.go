package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/deskd/internal/storage"
)

func newTestMCPDeps(t *testing.T, replies ...string) (MCPDeps, *apiFixture) {
	t.Helper()
	f := setupHandler(t, replies...)
	return MCPDeps{Store: f.store, Router: f.router}, f
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// escalate pushes one query into PENDING_HUMAN through the HTTP surface.
func escalate(t *testing.T, f *apiFixture) string {
	t.Helper()
	rr := f.do(t, "POST", "/v1/customer/cust-1/queries", `{"message":"need a human"}`, "")
	if rr.Code != 200 {
		t.Fatalf("ask: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res struct {
		QueryID string `json:"query_id"`
	}
	json.NewDecoder(rr.Body).Decode(&res)
	return res.QueryID
}

func TestMCPListPendingQueries(t *testing.T) {
	deps, f := newTestMCPDeps(t, "Hmm. [INTERNAL NOTE: mcp pending]")
	id := escalate(t, f)

	handler := mcpListPendingQueries(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_pending_queries",
		map[string]interface{}{"backend_id": "back-1"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), id) {
		t.Fatalf("pending list missing query: %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("list_pending_queries",
		map[string]interface{}{"backend_id": "cust-1"}))
	if !result.IsError {
		t.Fatal("expected error for customer endpoint id")
	}
}

func TestMCPClaimAndAnswer(t *testing.T) {
	deps, f := newTestMCPDeps(t,
		"Hmm. [INTERNAL NOTE: mcp answer]",
		"Here is your rewritten answer.")
	id := escalate(t, f)

	claim := mcpClaimQuery(deps)
	result, err := claim(context.Background(), makeCallToolRequest("claim_query",
		map[string]interface{}{"backend_id": "back-1", "query_id": id}))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.IsError {
		t.Fatalf("claim error: %s", toolText(t, result))
	}

	result, _ = claim(context.Background(), makeCallToolRequest("claim_query",
		map[string]interface{}{"backend_id": "back-1", "query_id": id}))
	if !result.IsError {
		t.Fatal("second claim should fail")
	}

	answer := mcpAnswerQuery(deps)
	result, err = answer(context.Background(), makeCallToolRequest("answer_query",
		map[string]interface{}{"backend_id": "back-1", "query_id": id, "response": "it works"}))
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if result.IsError {
		t.Fatalf("answer error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "rewritten answer") {
		t.Fatalf("answer text = %s", toolText(t, result))
	}

	q, err := deps.Store.GetQuery(id)
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	if q.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, want %s", q.Status, storage.StatusCompleted)
	}

	result, _ = answer(context.Background(), makeCallToolRequest("answer_query",
		map[string]interface{}{"backend_id": "back-1", "query_id": id, "response": "again"}))
	if !result.IsError {
		t.Fatal("answer on completed query should fail")
	}
}

func TestMCPGetQuery(t *testing.T) {
	deps, f := newTestMCPDeps(t, "Hmm. [INTERNAL NOTE: mcp get]")
	id := escalate(t, f)

	handler := mcpGetQuery(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_query",
		map[string]interface{}{"query_id": id}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := toolText(t, result)
	if !strings.Contains(text, `"internal_note":"mcp get"`) {
		t.Fatalf("operator view missing note: %s", text)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("get_query",
		map[string]interface{}{"query_id": "missing"}))
	if !result.IsError {
		t.Fatal("expected error for unknown query")
	}
}

func TestMCPListEndpoints(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	handler := mcpListEndpoints(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_endpoints",
		map[string]interface{}{"kind": "BACKEND"}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	text := toolText(t, result)
	if !strings.Contains(text, "back-1") || strings.Contains(text, "cust-1") {
		t.Fatalf("filtered list = %s", text)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("list_endpoints",
		map[string]interface{}{"kind": "SIDEWAYS"}))
	if !result.IsError {
		t.Fatal("expected error for unknown kind")
	}
}

func TestMCPResourceEndpoints(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	handler := mcpResourceEndpoints(deps)
	contents, err := handler(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "deskd://endpoints"},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("contents type = %T", contents[0])
	}
	if !strings.Contains(text.Text, "cust-1") || !strings.Contains(text.Text, "back-1") {
		t.Fatalf("resource text = %s", text.Text)
	}
}
