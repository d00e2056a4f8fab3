package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/labdesk/labdesk/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing the interpretation store to
// assistants: record lookup, filtered search, and aggregate statistics.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"labdesk",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("labdesk — local interpretation service for clinical lab documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_interpretation",
			mcp.WithDescription("Fetch one interpretation record by id, including its findings and risk level."),
			mcp.WithString("id", mcp.Description("Interpretation record id"), mcp.Required()),
		),
		mcpGetInterpretation(deps),
	)

	s.AddTool(
		mcp.NewTool("search_interpretations",
			mcp.WithDescription("List interpretation records filtered by patient, analysis, status, or risk level."),
			mcp.WithString("patient_id", mcp.Description("Filter by patient id")),
			mcp.WithString("analysis_id", mcp.Description("Filter by analysis id")),
			mcp.WithString("status", mcp.Description("Filter by pipeline status (e.g. completed, failed)")),
			mcp.WithString("risk_level", mcp.Description("Filter by risk level (unknown, normal, low, medium, high)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpSearchInterpretations(deps),
	)

	s.AddTool(
		mcp.NewTool("interpretation_stats",
			mcp.WithDescription("Aggregate counts by status and risk level plus the average processing time."),
		),
		mcpInterpretationStats(deps),
	)

	return s
}

func mcpGetInterpretation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.GetInterpretation(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get interpretation: %v", err)), nil
		}

		b, err := json.Marshal(recordView(rec))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchInterpretations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		filter := storage.ListFilter{
			PatientID:  req.GetString("patient_id", ""),
			AnalysisID: req.GetString("analysis_id", ""),
			Status:     req.GetString("status", ""),
			RiskLevel:  req.GetString("risk_level", ""),
			Limit:      limit,
		}
		if filter.Status != "" && !storage.ValidStatus(filter.Status) {
			return mcpError(fmt.Sprintf("unknown status %q", filter.Status)), nil
		}

		recs, total, err := deps.Store.ListInterpretations(filter)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		views := make([]recordJSON, 0, len(recs))
		for _, rec := range recs {
			views = append(views, recordView(rec))
		}

		b, err := json.Marshal(map[string]any{
			"interpretations": views,
			"total":           total,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpInterpretationStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.Statistics(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute statistics: %v", err)), nil
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal statistics: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
