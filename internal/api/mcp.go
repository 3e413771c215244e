package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/resolv/internal/ingest"
	"github.com/kalambet/resolv/internal/suggest"
)

// NewMCPServer creates an MCP server exposing suggestions, feedback and
// document ingestion as tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	s := server.NewMCPServer(
		"resolv",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("resolv suggests runbooks, tickets and articles that solved similar incidents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("suggest_solutions",
			mcp.WithDescription("Find ranked solutions for an incident across the connected knowledge systems."),
			mcp.WithString("incident_text", mcp.Description("Incident title and description"), mcp.Required()),
			mcp.WithArray("connected_systems", mcp.Description("Systems to search, e.g. JIRA, CONFLUENCE, GITHUB"), mcp.Required()),
			mcp.WithString("incident_id", mcp.Description("Incident identifier; repeated requests for it are served from cache")),
			mcp.WithString("user_id", mcp.Description("User to personalize for")),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of suggestions (default 10)")),
		),
		mcpSuggest(deps),
	)

	s.AddTool(
		mcp.NewTool("record_feedback",
			mcp.WithDescription("Record that a user linked, viewed or dismissed a suggestion."),
			mcp.WithString("user_id", mcp.Description("User giving feedback"), mcp.Required()),
			mcp.WithString("system", mcp.Description("System of the suggestion"), mcp.Required()),
			mcp.WithString("external_id", mcp.Description("Suggestion id within its system"), mcp.Required()),
			mcp.WithString("action", mcp.Description("linked, viewed or dismissed"), mcp.Required()),
			mcp.WithString("incident_id", mcp.Description("Incident the suggestion was shown for")),
			mcp.WithString("incident_text", mcp.Description("Incident text, used for keywords")),
			mcp.WithNumber("rating", mcp.Description("Optional rating 1-5")),
		),
		mcpRecordFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Add a runbook or article to the local knowledge base for later suggestions."),
			mcp.WithString("system", mcp.Description("System the document belongs to (default KNOWLEDGE_BASE)")),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("content", mcp.Description("Document text")),
			mcp.WithString("url", mcp.Description("Page to fetch when content is empty")),
			mcp.WithString("external_id", mcp.Description("Identifier within the system")),
		),
		mcpAddDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cache://stats",
			"Suggestion Cache Statistics",
			mcp.WithResourceDescription("Entry counts and average compute time of the suggestion cache"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCacheStats(deps),
	)

	return s
}

func mcpSuggest(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("incident_text")
		if err != nil {
			return mcpError("incident_text is required"), nil
		}
		maxResults := req.GetInt("max_results", 0)
		if maxResults > 50 {
			maxResults = 50
		}

		resp, err := deps.Suggester.Suggest(ctx, suggest.Request{
			IncidentText:     text,
			IncidentID:       req.GetString("incident_id", ""),
			ConnectedSystems: req.GetStringSlice("connected_systems", nil),
			UserID:           req.GetString("user_id", ""),
			MaxResults:       maxResults,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("suggestion failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecordFeedback(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fr := FeedbackRequest{
			UserID:       req.GetString("user_id", ""),
			IncidentID:   req.GetString("incident_id", ""),
			IncidentText: req.GetString("incident_text", ""),
			System:       req.GetString("system", ""),
			ExternalID:   req.GetString("external_id", ""),
			Action:       req.GetString("action", ""),
			Rating:       req.GetInt("rating", 0),
		}
		ev, err := fr.Event()
		if err != nil {
			return mcpError(err.Error()), nil
		}

		learned, p, err := learn(ctx, deps.Profiles, ev)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record feedback: %v", err)), nil
		}
		if !learned {
			return mcpText("Recorded anonymous feedback"), nil
		}
		return mcpText(fmt.Sprintf("Recorded feedback for %s (profile confidence %.2f)", p.UserID, p.Confidence)), nil
	}
}

func mcpAddDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dr := DocumentRequest{
			System:     req.GetString("system", "KNOWLEDGE_BASE"),
			ExternalID: req.GetString("external_id", ""),
			Title:      req.GetString("title", ""),
			Content:    req.GetString("content", ""),
			URL:        req.GetString("url", ""),
		}
		doc, err := dr.Document(ctx, deps.HTTPClient)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		id, err := deps.Documents.Submit(ctx, doc)
		if errors.Is(err, ingest.ErrInvalidDocument) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued document %s for indexing", id)), nil
	}
}

func mcpResourceCacheStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Cache.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading cache stats: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshalling cache stats: %w", err)
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
