// Package tools exposes the coordination engine as an MCP tool surface.
// Tool names and argument shapes are stable; failures come back as a single
// text payload beginning "Error:" so callers never have to parse stack
// traces.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"loom/pkg/channels"
	"loom/pkg/config"
	"loom/pkg/inbox"
	"loom/pkg/logx"
	"loom/pkg/metrics"
	"loom/pkg/registry"
	"loom/pkg/session"
	"loom/pkg/workqueue"
)

// Version is reported in the MCP handshake.
const Version = "1.0.0"

// Deps collects everything the tool handlers act on.
type Deps struct {
	Cfg      *config.Config
	Session  *session.Session
	Store    *registry.Store
	Inbox    *inbox.Service
	Queue    *workqueue.Engine
	Channels *channels.Service
}

// Server wires the tool handlers onto one MCP server.
type Server struct {
	deps     Deps
	mcp      *server.MCPServer
	handlers map[string]handler
	logger   *logx.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		mcp:      server.NewMCPServer("loom", Version),
		handlers: make(map[string]handler),
		logger:   logx.NewLogger("tools"),
	}
	s.registerHandleTools()
	s.registerChannelTools()
	s.registerRegistryTools()
	s.registerMessageTools()
	s.registerWorkTools()
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCP exposes the underlying server for transports other than stdio.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

type handler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Call invokes a tool by name, bypassing the wire protocol. Used by
// embedders and tests; the stdio transport goes through the same handlers.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return h(ctx, req)
}

// add registers a tool with uniform logging, metrics, and error shaping.
func (s *Server) add(tool mcp.Tool, h handler) {
	wrapped := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := h(ctx, req)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			result = errResult(err)
			err = nil // errors travel inside the payload
		}
		metrics.ToolCalls.WithLabelValues(tool.Name, outcome).Inc()
		metrics.ToolDuration.WithLabelValues(tool.Name).Observe(time.Since(start).Seconds())
		s.logger.Debug("%s -> %s (%s)", tool.Name, outcome, time.Since(start))
		return result, err
	}
	s.handlers[tool.Name] = wrapped
	s.mcp.AddTool(tool, server.ToolHandlerFunc(wrapped))
}

// errResult renders a failure as the "Error: <message>" text contract.
func errResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("Error: %s", err.Error()))
}

// jsonResult marshals a value as the tool's text payload.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Optional-argument readers. MCP numbers arrive as float64.

func optString(req mcp.CallToolRequest, key string) string {
	if v, ok := req.GetArguments()[key].(string); ok {
		return v
	}
	return ""
}

func optInt(req mcp.CallToolRequest, key string, fallback int) int {
	switch v := req.GetArguments()[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func optBool(req mcp.CallToolRequest, key string) bool {
	v, ok := req.GetArguments()[key].(bool)
	return ok && v
}

func optStringSlice(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func optMap(req mcp.CallToolRequest, key string) map[string]any {
	if v, ok := req.GetArguments()[key].(map[string]any); ok {
		return v
	}
	return nil
}

func optTime(req mcp.CallToolRequest, key string) (*time.Time, error) {
	raw := optString(req, key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339, got %q", key, raw)
	}
	return &t, nil
}
