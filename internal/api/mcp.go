package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Memories MemoryService
	Search   Searcher
	Chat     Chatter
	Jobs     JobRegistry
	// UserID scopes every tool call; MCP clients run on behalf of one user.
	UserID string
}

// NewMCPServer creates an MCP server exposing memory search and job status.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.UserID == "" {
		deps.UserID = DefaultUserID
	}
	s := server.NewMCPServer(
		"eyemem",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("eyemem: search the user's photo memories by description and check processing jobs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_memories",
			mcp.WithDescription("Search the user's photo memories with a natural language query."),
			mcp.WithString("query", mcp.Description("What to look for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithArray("tags", mcp.Description("Only return memories carrying any of these tags")),
			mcp.WithBoolean("include_private", mcp.Description("Include memories marked private")),
		),
		mcpSearchMemories(deps),
	)

	if deps.Chat != nil {
		s.AddTool(
			mcp.NewTool("chat_with_memories",
				mcp.WithDescription("Answer a message using the user's most relevant non-private photo memories as context."),
				mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
			),
			mcpChatWithMemories(deps),
		)
	}

	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Return the status record of a processing job."),
			mcp.WithString("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpGetJob(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_stats",
			mcp.WithDescription("Summarize the user's memories by processing status."),
		),
		mcpMemoryStats(deps),
	)

	return s
}

func mcpSearchMemories(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}

		results, err := deps.Search.Search(ctx, retrieval.Query{
			UserID:         deps.UserID,
			Text:           query,
			Limit:          limit,
			Tags:           req.GetStringSlice("tags", nil),
			IncludePrivate: req.GetBool("include_private", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type hit struct {
			ID          string   `json:"id"`
			Description string   `json:"description"`
			Tags        []string `json:"tags"`
			Notes       string   `json:"notes,omitempty"`
			CreatedAt   string   `json:"created_at"`
			ImageURL    string   `json:"image_url"`
			Score       float32  `json:"score"`
		}
		hits := make([]hit, len(results))
		for i, r := range results {
			hits[i] = hit{
				ID:          r.Memory.ID,
				Description: r.Memory.AIDescription,
				Tags:        r.Memory.UserTags,
				Notes:       r.Memory.UserNotes,
				CreatedAt:   r.Memory.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
				ImageURL:    "/v1/memory/image/" + r.Memory.ImageUUID,
				Score:       r.Score,
			}
		}
		return mcpJSON(hits)
	}
}

func mcpChatWithMemories(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		answer, err := deps.Chat.Chat(ctx, deps.UserID, message)
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		return mcpJSON(toChatResponse(answer))
	}
}

func mcpGetJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		rec, err := deps.Jobs.Get(ctx, id)
		if errors.Is(err, jobs.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading job: %v", err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpMemoryStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Memories.Stats(ctx, deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("reading stats: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
