package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"loom/pkg/registry"
	"loom/pkg/session"
	"loom/pkg/substrate"
)

// requireSelf returns the session's registered entry or a remediating error.
func (s *Server) requireSelf() (*registry.Entry, error) {
	self := s.deps.Session.Self()
	if self == nil {
		return nil, substrate.Validationf("not registered; call registry_register first")
	}
	return self, nil
}

func (s *Server) registerRegistryTools() {
	s.add(mcp.NewTool(
		"registry_register",
		mcp.WithDescription("Register this session as an agent, start its heartbeat, and create its inbox."),
		mcp.WithString("agentType", mcp.Description("Free-form agent type, e.g. \"coder\"."), mcp.Required()),
		mcp.WithArray("capabilities",
			mcp.Description("Capability tags used for work routing."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("scope", mcp.Description("Visibility: private, personal, team (default) or public.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentType, err := req.RequireString("agentType")
		if err != nil {
			return nil, err
		}
		entry, err := s.deps.Session.Register(ctx, agentType,
			optStringSlice(req, "capabilities"), registry.Scope(optString(req, "scope")))
		if err != nil {
			return nil, err
		}
		return jsonResult(entry)
	})

	s.add(mcp.NewTool(
		"registry_get_info",
		mcp.WithDescription("Fetch one agent's entry, redacted for this requester."),
		mcp.WithString("guid", mcp.Description("Target agent GUID (UUID v4)."), mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		guid, err := req.RequireString("guid")
		if err != nil {
			return nil, err
		}
		self, err := s.requireSelf()
		if err != nil {
			return nil, err
		}
		if !registry.IsUUIDv4(guid) {
			return nil, substrate.Validationf("guid must be a UUID v4, got %q", guid)
		}
		entry, err := s.deps.Store.Get(ctx, guid)
		if err != nil {
			return nil, err
		}
		redacted := registry.Redact(entry, self)
		if redacted == nil {
			return nil, substrate.NotFoundf("agent %s", guid)
		}
		return jsonResult(redacted)
	})

	s.add(mcp.NewTool(
		"registry_discover",
		mcp.WithDescription("List visible agents, filtered and paginated, freshest heartbeat first."),
		mcp.WithString("agentType", mcp.Description("Filter by agent type.")),
		mcp.WithString("capability", mcp.Description("Filter by capability tag.")),
		mcp.WithString("hostname", mcp.Description("Filter by hostname.")),
		mcp.WithString("projectId", mcp.Description("Filter by project ID.")),
		mcp.WithString("status", mcp.Description("Filter by status: online, busy or offline.")),
		mcp.WithString("scope", mcp.Description("Filter by scope.")),
		mcp.WithBoolean("includeOffline", mcp.Description("Include offline agents, default false.")),
		mcp.WithNumber("limit", mcp.Description("Page size, up to 100.")),
		mcp.WithString("cursor", mcp.Description("Cursor from a previous page.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		self, err := s.requireSelf()
		if err != nil {
			return nil, err
		}
		page, err := s.deps.Store.Discover(ctx, self, &registry.Filter{
			AgentType:      optString(req, "agentType"),
			Capability:     optString(req, "capability"),
			Hostname:       optString(req, "hostname"),
			ProjectID:      optString(req, "projectId"),
			Status:         registry.Status(optString(req, "status")),
			Scope:          registry.Scope(optString(req, "scope")),
			IncludeOffline: optBool(req, "includeOffline"),
			Limit:          optInt(req, "limit", 0),
			Cursor:         optString(req, "cursor"),
		})
		if err != nil {
			return nil, err
		}
		return jsonResult(page)
	})

	s.add(mcp.NewTool(
		"registry_update_presence",
		mcp.WithDescription("Mutate this agent's status, task count or capabilities. Going offline stops the heartbeat."),
		mcp.WithString("status", mcp.Description("online, busy or offline.")),
		mcp.WithNumber("currentTaskCount", mcp.Description("Non-negative task count.")),
		mcp.WithArray("capabilities",
			mcp.Description("Replacement capability list."),
			mcp.Items(map[string]any{"type": "string"}),
		),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		update := &session.PresenceUpdate{}
		if raw := optString(req, "status"); raw != "" {
			status := registry.Status(raw)
			update.Status = &status
		}
		if _, present := req.GetArguments()["currentTaskCount"]; present {
			count := optInt(req, "currentTaskCount", 0)
			update.CurrentTaskCount = &count
		}
		if _, present := req.GetArguments()["capabilities"]; present {
			update.Capabilities = optStringSlice(req, "capabilities")
		}
		entry, err := s.deps.Session.UpdatePresence(ctx, update)
		if err != nil {
			return nil, err
		}
		return jsonResult(entry)
	})

	s.add(mcp.NewTool(
		"registry_deregister",
		mcp.WithDescription("Mark this agent offline and stop its heartbeat."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.deps.Session.Deregister(ctx); err != nil {
			return nil, err
		}
		return jsonResult(map[string]string{"status": "offline"})
	})
}
