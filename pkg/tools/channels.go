package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerChannelTools() {
	s.add(mcp.NewTool(
		"channels_list",
		mcp.WithDescription("List the configured channel descriptors."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(s.deps.Channels.List())
	})

	s.add(mcp.NewTool(
		"channels_send",
		mcp.WithDescription("Publish a message to a channel under the session handle."),
		mcp.WithString("channel", mcp.Description("Configured channel name."), mcp.Required()),
		mcp.WithString("message", mcp.Description("Message body, up to 1 MiB."), mcp.Required()),
		mcp.WithString("scope", mcp.Description("Accepted for compatibility; channels are readable by anyone on the substrate.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channel, err := req.RequireString("channel")
		if err != nil {
			return nil, err
		}
		message, err := req.RequireString("message")
		if err != nil {
			return nil, err
		}
		sent, err := s.deps.Channels.Send(ctx, channel, s.deps.Session.Handle(), message)
		if err != nil {
			return nil, err
		}
		return jsonResult(sent)
	})

	s.add(mcp.NewTool(
		"channels_read",
		mcp.WithDescription("Read recent channel messages, oldest first. Non-destructive."),
		mcp.WithString("channel", mcp.Description("Configured channel name."), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Messages to return, 1..1000, default 50.")),
		mcp.WithNumber("offset", mcp.Description("Messages to step back from the newest, default 0.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channel, err := req.RequireString("channel")
		if err != nil {
			return nil, err
		}
		msgs, err := s.deps.Channels.Read(ctx, channel, optInt(req, "limit", 0), optInt(req, "offset", 0))
		if err != nil {
			return nil, err
		}
		return jsonResult(msgs)
	})

	s.add(mcp.NewTool(
		"channels_status",
		mcp.WithDescription("Report stream metrics for one channel or all of them."),
		mcp.WithString("channel", mcp.Description("Configured channel name; omit for all.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		infos, err := s.deps.Channels.Status(ctx, optString(req, "channel"))
		if err != nil {
			return nil, err
		}
		return jsonResult(infos)
	})
}
