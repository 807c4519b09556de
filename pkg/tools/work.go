package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/pkg/registry"
	"loom/pkg/workqueue"
)

func (s *Server) registerWorkTools() {
	s.add(mcp.NewTool(
		"work_broadcast",
		mcp.WithDescription("Offer a work item to every agent holding a capability."),
		mcp.WithString("taskId", mcp.Description("Caller-chosen task identifier."), mcp.Required()),
		mcp.WithString("description", mcp.Description("What the work is."), mcp.Required()),
		mcp.WithString("requiredCapability", mcp.Description("Capability tag the claimer must hold."), mcp.Required()),
		mcp.WithNumber("priority", mcp.Description("1 (lowest) to 10 (highest), default 5.")),
		mcp.WithString("deadline", mcp.Description("RFC 3339 deadline.")),
		mcp.WithObject("contextData", mcp.Description("Opaque context passed to the claimer.")),
		mcp.WithString("scope", mcp.Description("Visibility scope, default team.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return nil, err
		}
		description, err := req.RequireString("description")
		if err != nil {
			return nil, err
		}
		capability, err := req.RequireString("requiredCapability")
		if err != nil {
			return nil, err
		}
		self, err := s.requireSelf()
		if err != nil {
			return nil, err
		}
		deadline, err := optTime(req, "deadline")
		if err != nil {
			return nil, err
		}
		item, err := s.deps.Queue.Broadcast(ctx, self, &workqueue.BroadcastParams{
			TaskID:      taskID,
			Description: description,
			Capability:  capability,
			Priority:    optInt(req, "priority", 0),
			Deadline:    deadline,
			ContextData: optMap(req, "contextData"),
			Scope:       registry.Scope(optString(req, "scope")),
		})
		if err != nil {
			return nil, err
		}
		return jsonResult(item)
	})

	s.add(mcp.NewTool(
		"work_claim",
		mcp.WithDescription("Claim one work item for a capability. Destructive: a claimed item is gone for everyone else."),
		mcp.WithString("capability", mcp.Description("Capability queue to claim from."), mcp.Required()),
		mcp.WithNumber("timeout", mcp.Description("Wait in milliseconds, 100..30000, default 5000.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability, err := req.RequireString("capability")
		if err != nil {
			return nil, err
		}
		self, err := s.requireSelf()
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(optInt(req, "timeout", 0)) * time.Millisecond
		result, err := s.deps.Queue.Claim(ctx, self, capability, timeout)
		if err != nil {
			return nil, err
		}
		return jsonResult(result)
	})

	s.add(mcp.NewTool(
		"work_list",
		mcp.WithDescription("List pending work items without claiming them."),
		mcp.WithString("capability", mcp.Description("Capability queue to inspect."), mcp.Required()),
		mcp.WithNumber("minPriority", mcp.Description("Lowest priority to include.")),
		mcp.WithNumber("maxPriority", mcp.Description("Highest priority to include.")),
		mcp.WithString("deadlineBefore", mcp.Description("Only items with a deadline before this RFC 3339 time.")),
		mcp.WithString("deadlineAfter", mcp.Description("Only items with a deadline after this RFC 3339 time.")),
		mcp.WithNumber("limit", mcp.Description("Items to return, up to 100.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		capability, err := req.RequireString("capability")
		if err != nil {
			return nil, err
		}
		before, err := optTime(req, "deadlineBefore")
		if err != nil {
			return nil, err
		}
		after, err := optTime(req, "deadlineAfter")
		if err != nil {
			return nil, err
		}
		result, err := s.deps.Queue.List(ctx, capability, &workqueue.ListFilter{
			MinPriority:    optInt(req, "minPriority", 0),
			MaxPriority:    optInt(req, "maxPriority", 0),
			DeadlineBefore: before,
			DeadlineAfter:  after,
			Limit:          optInt(req, "limit", 0),
		})
		if err != nil {
			return nil, err
		}
		return jsonResult(result)
	})

	s.add(mcp.NewTool(
		"work_queue_status",
		mcp.WithDescription("Report queue metrics for one capability or every non-empty queue."),
		mcp.WithString("capability", mcp.Description("Capability queue; omit for all non-empty queues.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		infos, err := s.deps.Queue.Status(ctx, optString(req, "capability"))
		if err != nil {
			return nil, err
		}
		return jsonResult(infos)
	})

	s.add(mcp.NewTool(
		"dlq_list",
		mcp.WithDescription("List dead-lettered work items."),
		mcp.WithNumber("limit", mcp.Description("Items to return, up to 100.")),
		mcp.WithString("capability", mcp.Description("Only dead letters from this capability queue.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.deps.Queue.ListDeadLetters(ctx, optString(req, "capability"), optInt(req, "limit", 0))
		if err != nil {
			return nil, err
		}
		return jsonResult(result)
	})

	s.add(mcp.NewTool(
		"dlq_retry",
		mcp.WithDescription("Republish a dead-lettered item onto its capability queue and remove it from the DLQ."),
		mcp.WithString("itemId", mcp.Description("Dead letter ID (UUID v4)."), mcp.Required()),
		mcp.WithBoolean("resetAttempts", mcp.Description("Re-enter with attempts reset to 0.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("itemId")
		if err != nil {
			return nil, err
		}
		item, err := s.deps.Queue.RetryDeadLetter(ctx, itemID, optBool(req, "resetAttempts"))
		if err != nil {
			return nil, err
		}
		return jsonResult(item)
	})

	s.add(mcp.NewTool(
		"dlq_discard",
		mcp.WithDescription("Permanently remove a dead-lettered item."),
		mcp.WithString("itemId", mcp.Description("Dead letter ID (UUID v4)."), mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("itemId")
		if err != nil {
			return nil, err
		}
		if err := s.deps.Queue.DiscardDeadLetter(ctx, itemID); err != nil {
			return nil, err
		}
		return jsonResult(map[string]string{"discarded": itemID})
	})
}
