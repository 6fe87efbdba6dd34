package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/19paoletto10-hub/twilio-sub000/internal/knowledge"
	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
	"github.com/19paoletto10-hub/twilio-sub000/internal/synthesis"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine *knowledge.Engine
}

// NewMCPServer creates an MCP server exposing the knowledge base as tools
// and its status as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sub000",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("sub000 — categorized knowledge base with semantic search and grounded answers."),
		server.WithRecovery(),
	)

	taxonomy := strings.Join(deps.Engine.Taxonomy(), ", ")

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Store a document in the knowledge base under one of the fixed categories."),
			mcp.WithString("text", mcp.Description("The document text to store"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Category, one of: "+taxonomy), mcp.Required()),
			mcp.WithString("source_url", mcp.Description("Optional source URL for attribution")),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search the knowledge base and return scored document fragments."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the knowledge base. Set all_categories for a per-category breakdown covering every category, including those with no data."),
			mcp.WithString("query", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithBoolean("all_categories", mcp.Description("Answer per category instead of one focused answer")),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"index://status",
			"Index Status",
			mcp.WithResourceDescription("Current knowledge base status as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpIngestDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		category, err := req.RequireString("category")
		if err != nil {
			return mcpError("category is required"), nil
		}
		sourceURL := req.GetString("source_url", "")

		doc, created, err := deps.Engine.Ingest(ctx, knowledge.IngestRequest{
			Text:      text,
			Category:  category,
			SourceURL: sourceURL,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}

		if !created {
			return mcpText(fmt.Sprintf("Document already stored as %s", doc.ID)), nil
		}
		return mcpText(fmt.Sprintf("Stored document %s in %s", doc.ID, doc.Category)), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		docs, err := deps.Engine.Search(ctx, query, limit)
		if errors.Is(err, retrieval.ErrEmptyIndex) {
			return mcpText("[]"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type searchResult struct {
			ID        string  `json:"id"`
			Category  string  `json:"category"`
			Text      string  `json:"text"`
			Score     float32 `json:"score"`
			SourceURL string  `json:"source_url,omitempty"`
		}

		results := make([]searchResult, len(docs))
		for i, d := range docs {
			results[i] = searchResult{
				ID:        d.ID,
				Category:  d.Category,
				Text:      d.Text,
				Score:     d.Score,
				SourceURL: d.SourceURL,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		allCategories := req.GetBool("all_categories", false)

		var answer synthesis.Answer
		if allCategories {
			answer, err = deps.Engine.AnswerAllCategories(ctx, query)
		} else {
			answer, err = deps.Engine.Answer(ctx, query)
		}
		if err != nil {
			return mcpError(fmt.Sprintf("answer failed: %v", err)), nil
		}
		return mcpText(answer.Text), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Engine.Status())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
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
