package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/citation"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server. The same engine
// components back both transports.
type MCPDeps struct {
	Retriever Searcher
	Detector  Connector
	Citations CitationLog
	Store     ExperienceStore
}

// NewMCPServer creates an MCP server with the engine's tools
// registered. Every tool accepts an optional message_id; when present,
// the tool's output is recorded as citations against that message.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"xpshare",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("xpshare — hybrid search and pattern discovery over personal experience records."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_experiences",
			mcp.WithDescription("Hybrid semantic and keyword search over experience records."),
			mcp.WithString("query", mcp.Description("Natural language search query")),
			mcp.WithString("similar_to", mcp.Description("Experience ID to find records similar to, instead of a query")),
			mcp.WithString("category", mcp.Description("Restrict results to one category")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithString("message_id", mcp.Description("Conversation message ID to record citations against")),
		),
		mcpSearchExperiences(deps),
	)

	s.AddTool(
		mcp.NewTool("find_connections",
			mcp.WithDescription("Detect unexpected cross-category patterns among a set of experience records."),
			mcp.WithArray("experience_ids", mcp.Description("IDs of the records to analyze"), mcp.Required()),
			mcp.WithString("query", mcp.Description("The query that produced these records, used in the explanation")),
			mcp.WithString("message_id", mcp.Description("Conversation message ID to record citations against")),
		),
		mcpFindConnections(deps),
	)

	s.AddTool(
		mcp.NewTool("get_experience",
			mcp.WithDescription("Fetch one experience record by ID."),
			mcp.WithString("id", mcp.Description("Experience ID"), mcp.Required()),
		),
		mcpGetExperience(deps),
	)

	return s
}

func mcpSearchExperiences(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := req.GetString("query", "")
		similarTo := req.GetString("similar_to", "")
		if query == "" && similarTo == "" {
			return mcpError("one of query or similar_to is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		result, err := deps.Retriever.Search(ctx, retrieval.Query{
			Text:       query,
			SimilarTo:  similarTo,
			MaxResults: limit,
			Filters:    retrieval.Filters{Category: req.GetString("category", "")},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if err := recordToolCitations(ctx, deps.Citations, req, "search_experiences",
			searchPayload(result.Experiences)); err != nil {
			return mcpError(fmt.Sprintf("recording citations: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFindConnections(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := req.GetStringSlice("experience_ids", nil)
		if len(ids) == 0 {
			return mcpError("experience_ids is required"), nil
		}

		records, err := deps.Store.GetExperiencesByIDs(ctx, ids)
		if err != nil {
			return mcpError(fmt.Sprintf("loading experiences: %v", err)), nil
		}

		conn, err := deps.Detector.Detect(ctx, records, req.GetString("query", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("detection failed: %v", err)), nil
		}
		if conn == nil {
			return mcpText(`{"found":false}`), nil
		}

		if err := recordToolCitations(ctx, deps.Citations, req, "find_connections",
			connectionPayload(conn)); err != nil {
			return mcpError(fmt.Sprintf("recording citations: %v", err)), nil
		}

		b, err := json.Marshal(ConnectionsResponse{Found: true, Connection: conn})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal connection: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetExperience(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		e, err := deps.Store.GetExperience(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("experience not found: %v", err)), nil
		}

		b, err := json.Marshal(e)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal experience: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func recordToolCitations(ctx context.Context, log CitationLog, req mcp.CallToolRequest, tool string, payload map[string]any) error {
	messageID := req.GetString("message_id", "")
	if messageID == "" {
		return nil
	}
	_, err := log.Record(ctx, messageID, []citation.ToolOutput{{Tool: tool, Payload: payload}})
	return err
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
