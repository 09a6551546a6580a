package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"toolhost/internal/history"
	"toolhost/internal/usage"
)

const defaultHistoryLimit = 20

// Status is the payload of the server_status tool.
type Status struct {
	Instance string            `json:"instance"`
	Uptime   string            `json:"uptime"`
	Sessions int               `json:"sessions"`
	Requests uint64            `json:"requests"`
	Tools    []string          `json:"tools"`
	Degraded map[string]string `json:"degraded,omitempty"`
	Usage    *usage.Stats      `json:"usage,omitempty"`
}

// PageTitler loads a page and returns its title.
type PageTitler interface {
	PageTitle(ctx context.Context, url string) (string, error)
}

// Builtins are the collaborators read by the built-in tools. Nil fields
// leave the matching tool unregistered, except Status.
type Builtins struct {
	Status  func(ctx context.Context) Status
	Usage   func(conn string) (usage.Stats, bool)
	History func() (*history.History, error)
	Browser PageTitler
}

// RegisterBuiltins adds the built-in tools to s.
func RegisterBuiltins(s *Server, b Builtins) {
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Returns the given message unchanged"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo back")),
	), echo)

	s.AddTool(mcp.NewTool("server_status",
		mcp.WithDescription("Reports uptime, sessions, registered tools and degraded components"),
	), s.status(b))

	if b.History != nil {
		s.AddTool(mcp.NewTool("tool_history",
			mcp.WithDescription("Lists the most recent tool calls of this session, newest first"),
			mcp.WithNumber("limit", mcp.Description("Maximum number of calls to return (default 20)")),
			mcp.WithString("tool", mcp.Description("Only return calls of this tool")),
		), toolHistory(b.History))
	}

	if b.Browser != nil {
		s.AddTool(mcp.NewTool("browser_page_title",
			mcp.WithDescription("Opens a URL in the headless browser and returns the page title"),
			mcp.WithString("url", mcp.Required(), mcp.Description("Page to open")),
		), pageTitle(b.Browser))
	}
}

func echo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) status(b Builtins) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var st Status
		if b.Status != nil {
			st = b.Status(ctx)
		}
		st.Sessions = s.sessions.Count()
		st.Requests = s.Requests()
		st.Tools = s.Tools()
		if b.Usage != nil {
			if u, ok := b.Usage(sessionID(ctx)); ok {
				st.Usage = &u
			}
		}
		return jsonResult(st)
	}
}

func toolHistory(open func() (*history.History, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h, err := open()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("history unavailable: %v", err)), nil
		}
		limit := req.GetInt("limit", defaultHistoryLimit)
		if limit <= 0 {
			return mcp.NewToolResultError("limit must be positive"), nil
		}
		records := h.Recent(sessionID(ctx), limit, req.GetString("tool", ""))
		if records == nil {
			records = []history.Record{}
		}
		return jsonResult(records)
	}
}

func pageTitle(b PageTitler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		title, err := b.PageTitle(ctx, url)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(title), nil
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
