package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerHandleTools() {
	s.add(mcp.NewTool(
		"handle_set",
		mcp.WithDescription("Set the display handle used for channel messages and registration."),
		mcp.WithString("handle",
			mcp.Description("Lowercase letters, digits and dashes."),
			mcp.Required(),
		),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handle, err := req.RequireString("handle")
		if err != nil {
			return nil, err
		}
		if err := s.deps.Session.SetHandle(handle); err != nil {
			return nil, err
		}
		return jsonResult(map[string]string{"handle": handle})
	})

	s.add(mcp.NewTool(
		"handle_get",
		mcp.WithDescription("Return the current session handle."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]string{"handle": s.deps.Session.Handle()})
	})
}
