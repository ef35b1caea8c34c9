package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/deskd/internal/router"
	"github.com/kalambet/deskd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Router *router.Router
}

// NewMCPServer creates an MCP server that lets agent tooling act as a human
// operator: inspect pending escalations, claim them and submit answers. The
// lifecycle rules are the same as over HTTP; a lost claim race comes back as
// a tool error.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"deskd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("deskd — customer support query routing. Tools operate on escalated queries awaiting a human answer."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_pending_queries",
			mcp.WithDescription("List queries escalated to a human and not yet answered."),
			mcp.WithString("backend_id", mcp.Description("Backend endpoint id to operate through"), mcp.Required()),
		),
		mcpListPendingQueries(deps),
	)

	s.AddTool(
		mcp.NewTool("get_query",
			mcp.WithDescription("Fetch one query with its full lifecycle state and internal note."),
			mcp.WithString("query_id", mcp.Description("Query id"), mcp.Required()),
		),
		mcpGetQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("claim_query",
			mcp.WithDescription("Claim a pending query so other operators see it as taken. Fails if it was already claimed or completed."),
			mcp.WithString("backend_id", mcp.Description("Backend endpoint id to operate through"), mcp.Required()),
			mcp.WithString("query_id", mcp.Description("Query id"), mcp.Required()),
		),
		mcpClaimQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("answer_query",
			mcp.WithDescription("Submit the human answer for a pending or claimed query. The answer is rewritten for the customer and the query completes."),
			mcp.WithString("backend_id", mcp.Description("Backend endpoint id to operate through"), mcp.Required()),
			mcp.WithString("query_id", mcp.Description("Query id"), mcp.Required()),
			mcp.WithString("response", mcp.Description("The operator's answer"), mcp.Required()),
		),
		mcpAnswerQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("list_endpoints",
			mcp.WithDescription("List configured endpoints, optionally filtered by kind."),
			mcp.WithString("kind", mcp.Description("CUSTOMER or BACKEND")),
		),
		mcpListEndpoints(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"deskd://endpoints",
			"Endpoints",
			mcp.WithResourceDescription("All configured endpoints as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceEndpoints(deps),
	)

	return s
}

func mcpListPendingQueries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		backendID, err := req.RequireString("backend_id")
		if err != nil {
			return mcpError("backend_id is required"), nil
		}

		queries, err := deps.Router.PendingQueries(backendID)
		if err != nil {
			return mcpError(fmt.Sprintf("list pending queries: %v", err)), nil
		}
		if len(queries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(queries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal queries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("query_id")
		if err != nil {
			return mcpError("query_id is required"), nil
		}

		q, err := deps.Store.GetQuery(id)
		if err != nil {
			return mcpError(fmt.Sprintf("get query: %v", err)), nil
		}

		b, err := json.Marshal(q)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal query: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClaimQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		backendID, err := req.RequireString("backend_id")
		if err != nil {
			return mcpError("backend_id is required"), nil
		}
		queryID, err := req.RequireString("query_id")
		if err != nil {
			return mcpError("query_id is required"), nil
		}

		q, err := deps.Router.ClaimQuery(backendID, queryID)
		if err != nil {
			return mcpError(fmt.Sprintf("claim query: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Claimed query %s (status %s)", q.ID, q.Status)), nil
	}
}

func mcpAnswerQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		backendID, err := req.RequireString("backend_id")
		if err != nil {
			return mcpError("backend_id is required"), nil
		}
		queryID, err := req.RequireString("query_id")
		if err != nil {
			return mcpError("query_id is required"), nil
		}
		response, err := req.RequireString("response")
		if err != nil {
			return mcpError("response is required"), nil
		}

		q, err := deps.Router.HandleHumanResponse(ctx, backendID, queryID, response)
		if err != nil {
			return mcpError(fmt.Sprintf("answer query: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Query %s completed. Customer response: %s", q.ID, q.CustomerResponse)), nil
	}
}

func mcpListEndpoints(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			endpoints []storage.Endpoint
			err       error
		)
		if kind := req.GetString("kind", ""); kind != "" {
			k := storage.EndpointKind(kind)
			if !storage.ValidKind(k) {
				return mcpError("kind must be CUSTOMER or BACKEND"), nil
			}
			endpoints, err = deps.Store.ListEndpointsByKind(k)
		} else {
			endpoints, err = deps.Store.ListEndpoints()
		}
		if err != nil {
			return mcpError(fmt.Sprintf("list endpoints: %v", err)), nil
		}
		if len(endpoints) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(endpoints)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal endpoints: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceEndpoints(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		endpoints, err := deps.Store.ListEndpoints()
		if err != nil {
			return nil, fmt.Errorf("failed to list endpoints: %w", err)
		}

		b, err := json.Marshal(endpoints)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal endpoints: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
