package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/channels"
	"loom/pkg/config"
	"loom/pkg/identity"
	"loom/pkg/inbox"
	"loom/pkg/registry"
	"loom/pkg/session"
	"loom/pkg/substrate"
	"loom/pkg/workqueue"
)

func newTestServer(t *testing.T) (*Server, *substrate.Fake) {
	t.Helper()

	cfg := config.Defaults()
	cfg.ProjectID = "aaaaaaaaaaaaaaaa"
	cfg.Namespace = "aaaaaaaaaaaaaaaa"
	cfg.Channels = []config.ChannelDescriptor{
		{Name: "general", Description: "general chat", MaxMessages: 100, MaxBytes: 1 << 20, MaxAge: config.Duration(time.Hour)},
	}
	cfg.Lifecycle.HeartbeatInterval = config.Duration(50 * time.Millisecond)

	fake := substrate.NewFake()
	store := registry.NewStore(fake)
	ident := &identity.Identity{
		Kind:     identity.KindRoot,
		AgentID:  "deadbeefdeadbeefdeadbeefdeadbeef",
		Hostname: "host-a",
	}
	sess := session.New(cfg, fake, store, ident)
	t.Cleanup(sess.Close)

	chans := channels.NewService(fake, cfg.Namespace, cfg.Channels)
	require.NoError(t, chans.EnsureAll(context.Background()))

	srv := NewServer(Deps{
		Cfg:      cfg,
		Session:  sess,
		Store:    store,
		Inbox:    inbox.NewService(fake, store, cfg.WorkQueue),
		Queue:    workqueue.NewEngine(fake, cfg.WorkQueue),
		Channels: chans,
	})
	return srv, fake
}

// textOf extracts the single text payload every tool returns.
func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok, "tool results are text payloads")
	return text.Text
}

func callOK(t *testing.T, srv *Server, name string, args map[string]any) string {
	t.Helper()
	result, err := srv.Call(context.Background(), name, args)
	require.NoError(t, err)
	text := textOf(t, result)
	require.False(t, strings.HasPrefix(text, "Error:"), "unexpected tool failure: %s", text)
	return text
}

func callErr(t *testing.T, srv *Server, name string, args map[string]any) string {
	t.Helper()
	result, err := srv.Call(context.Background(), name, args)
	require.NoError(t, err, "failures travel inside the payload")
	text := textOf(t, result)
	require.True(t, strings.HasPrefix(text, "Error:"), "expected Error payload, got: %s", text)
	return text
}

func register(t *testing.T, srv *Server, agentType string, capabilities ...string) registry.Entry {
	t.Helper()
	args := map[string]any{"agentType": agentType}
	if len(capabilities) > 0 {
		caps := make([]any, len(capabilities))
		for i, c := range capabilities {
			caps[i] = c
		}
		args["capabilities"] = caps
	}
	var entry registry.Entry
	require.NoError(t, json.Unmarshal([]byte(callOK(t, srv, "registry_register", args)), &entry))
	return entry
}

func TestHandleTools(t *testing.T) {
	srv, _ := newTestServer(t)

	callOK(t, srv, "handle_set", map[string]any{"handle": "alice"})
	got := callOK(t, srv, "handle_get", nil)
	assert.Contains(t, got, `"alice"`)

	callErr(t, srv, "handle_set", map[string]any{"handle": "Not Valid"})
}

func TestUnknownTool(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.Call(context.Background(), "no_such_tool", nil)
	assert.Error(t, err)
}

func TestRegistryTools(t *testing.T) {
	srv, _ := newTestServer(t)

	entry := register(t, srv, "coder", "go")
	assert.True(t, registry.IsUUIDv4(entry.GUID))
	assert.Equal(t, "coder", entry.AgentType)

	info := callOK(t, srv, "registry_get_info", map[string]any{"guid": entry.GUID})
	assert.Contains(t, info, entry.GUID)

	discovered := callOK(t, srv, "registry_discover", map[string]any{"agentType": "coder"})
	assert.Contains(t, discovered, entry.GUID)

	callOK(t, srv, "registry_update_presence", map[string]any{"status": "busy", "currentTaskCount": float64(2)})
	info = callOK(t, srv, "registry_get_info", map[string]any{"guid": entry.GUID})
	assert.Contains(t, info, `"busy"`)

	callOK(t, srv, "registry_deregister", nil)
	callErr(t, srv, "registry_discover", nil) // no longer registered
}

func TestRegistryToolsRequireRegistration(t *testing.T) {
	srv, _ := newTestServer(t)

	text := callErr(t, srv, "registry_discover", nil)
	assert.Contains(t, text, "registry_register", "error carries remediation")

	callErr(t, srv, "registry_get_info", map[string]any{"guid": "123e4567-e89b-42d3-a456-426614174000"})
	callErr(t, srv, "messages_read_direct", nil)
	callErr(t, srv, "work_claim", map[string]any{"capability": "go"})
}

func TestMessageTools(t *testing.T) {
	srv, _ := newTestServer(t)

	sender := register(t, srv, "coder")

	// A second agent to receive; registered through the store directly so
	// the session keeps pointing at the sender.
	recipient, err := srv.deps.Store.Register(context.Background(), &registry.RegisterParams{
		AgentType: "reviewer", Handle: "reviewer", Hostname: "host-a",
		ProjectID: "aaaaaaaaaaaaaaaa", NatsURL: "nats://localhost:4222",
		Scope: registry.ScopeTeam,
	})
	require.NoError(t, err)

	sent := callOK(t, srv, "messages_send_direct", map[string]any{
		"recipientGuid": recipient.GUID,
		"message":       "please review",
	})
	assert.Contains(t, sent, `"recipientStatus"`)

	// Reading our own inbox is empty; the message went to the recipient.
	got := callOK(t, srv, "messages_read_direct", nil)
	assert.Contains(t, got, `"messages": []`)

	// Sender messages itself to exercise the read path end to end.
	callOK(t, srv, "messages_send_direct", map[string]any{
		"recipientGuid": sender.GUID,
		"message":       "note to self",
		"messageType":   "reminder",
	})
	got = callOK(t, srv, "messages_read_direct", map[string]any{"messageType": "reminder"})
	assert.Contains(t, got, "note to self")

	callErr(t, srv, "messages_send_direct", map[string]any{
		"recipientGuid": "not-a-guid",
		"message":       "x",
	})
}

func TestWorkTools(t *testing.T) {
	srv, _ := newTestServer(t)

	register(t, srv, "coder", "typescript")

	broadcast := callOK(t, srv, "work_broadcast", map[string]any{
		"taskId":             "t-1",
		"description":        "fix the build",
		"requiredCapability": "typescript",
		"priority":           float64(8),
	})
	var item workqueue.WorkItem
	require.NoError(t, json.Unmarshal([]byte(broadcast), &item))
	assert.Equal(t, 8, item.Priority)

	listed := callOK(t, srv, "work_list", map[string]any{"capability": "typescript"})
	assert.Contains(t, listed, item.ID)

	status := callOK(t, srv, "work_queue_status", nil)
	assert.Contains(t, status, "WORKQUEUE_TYPESCRIPT")

	claimed := callOK(t, srv, "work_claim", map[string]any{"capability": "typescript", "timeout": float64(200)})
	assert.Contains(t, claimed, item.ID)

	// Queue drained.
	again := callOK(t, srv, "work_claim", map[string]any{"capability": "typescript", "timeout": float64(200)})
	assert.NotContains(t, again, item.ID)

	callErr(t, srv, "work_broadcast", map[string]any{
		"taskId":             "t-2",
		"description":        "d",
		"requiredCapability": "typescript",
		"priority":           float64(99),
	})
}

func TestDLQTools(t *testing.T) {
	srv, _ := newTestServer(t)
	register(t, srv, "coder", "typescript")

	empty := callOK(t, srv, "dlq_list", nil)
	assert.Contains(t, empty, `"items": []`)

	callErr(t, srv, "dlq_retry", map[string]any{"itemId": "not-a-uuid"})
	callErr(t, srv, "dlq_discard", map[string]any{"itemId": "not-a-uuid"})
}

func TestChannelTools(t *testing.T) {
	srv, _ := newTestServer(t)

	list := callOK(t, srv, "channels_list", nil)
	assert.Contains(t, list, "general")

	// Sending without a handle is rejected with remediation.
	text := callErr(t, srv, "channels_send", map[string]any{"channel": "general", "message": "hi"})
	assert.Contains(t, text, "handle_set")

	callOK(t, srv, "handle_set", map[string]any{"handle": "alice"})
	callOK(t, srv, "channels_send", map[string]any{"channel": "general", "message": "hi"})

	read := callOK(t, srv, "channels_read", map[string]any{"channel": "general", "limit": float64(10)})
	assert.Contains(t, read, `"hi"`)

	status := callOK(t, srv, "channels_status", map[string]any{"channel": "general"})
	assert.Contains(t, status, `"messages": 1`)

	callErr(t, srv, "channels_read", map[string]any{"channel": "no-such-channel"})
}

func TestMissingRequiredArgument(t *testing.T) {
	srv, _ := newTestServer(t)
	text := callErr(t, srv, "channels_send", map[string]any{"message": "hi"})
	assert.Contains(t, text, "channel")
}
