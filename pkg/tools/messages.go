package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/pkg/inbox"
)

func (s *Server) registerMessageTools() {
	s.add(mcp.NewTool(
		"messages_send_direct",
		mcp.WithDescription("Send a durable direct message to another agent's inbox."),
		mcp.WithString("recipientGuid", mcp.Description("Recipient agent GUID (UUID v4)."), mcp.Required()),
		mcp.WithString("message", mcp.Description("Message content."), mcp.Required()),
		mcp.WithString("messageType", mcp.Description("Free-form type tag, default \"text\".")),
		mcp.WithObject("metadata", mcp.Description("Opaque key/value metadata attached to the message.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		recipient, err := req.RequireString("recipientGuid")
		if err != nil {
			return nil, err
		}
		message, err := req.RequireString("message")
		if err != nil {
			return nil, err
		}
		self, err := s.requireSelf()
		if err != nil {
			return nil, err
		}
		messageType := optString(req, "messageType")
		if messageType == "" {
			messageType = "text"
		}
		receipt, err := s.deps.Inbox.SendDirect(ctx, self, recipient, messageType, message, optMap(req, "metadata"))
		if err != nil {
			return nil, err
		}
		return jsonResult(receipt)
	})

	s.add(mcp.NewTool(
		"messages_read_direct",
		mcp.WithDescription("Consume messages from this agent's inbox. Consume-once: returned messages never reappear."),
		mcp.WithNumber("limit", mcp.Description("Messages to consume, 1..100, default 10.")),
		mcp.WithString("cursor", mcp.Description("Continuation token from a previous read; the inbox has no offsets.")),
		mcp.WithString("messageType", mcp.Description("Only return messages of this type; others are still consumed.")),
		mcp.WithString("senderGuid", mcp.Description("Only return messages from this sender; others are still consumed.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		self, err := s.requireSelf()
		if err != nil {
			return nil, err
		}
		result, err := s.deps.Inbox.ReadDirect(ctx, self.GUID, inbox.ReadOptions{
			SenderGUID:  optString(req, "senderGuid"),
			MessageType: optString(req, "messageType"),
			Limit:       optInt(req, "limit", 0),
		})
		if err != nil {
			return nil, err
		}
		return jsonResult(result)
	})
}
