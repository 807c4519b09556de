package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/substrate"
)

const (
	projectA = "aaaaaaaaaaaaaaaa"
	projectB = "bbbbbbbbbbbbbbbb"
)

func validEntry(scope Scope) *Entry {
	now := time.Now().UTC()
	return &Entry{
		GUID:          uuid.NewString(),
		AgentType:     "worker",
		Handle:        "worker-1",
		Hostname:      "host-a",
		ProjectID:     projectA,
		NatsURL:       "nats://localhost:4222",
		Capabilities:  []string{"build", "test"},
		Scope:         scope,
		Status:        StatusOnline,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
}

func TestEntryValidate(t *testing.T) {
	require.NoError(t, validEntry(ScopeTeam).Validate())

	tests := []struct {
		name   string
		mutate func(*Entry)
	}{
		{"bad guid", func(e *Entry) { e.GUID = "not-a-uuid" }},
		{"uuid v1 rejected", func(e *Entry) { e.GUID = "8a6e0804-2bd0-1aa3-b45d-eec7fd13f2fa" }},
		{"empty agentType", func(e *Entry) { e.AgentType = " " }},
		{"empty handle", func(e *Entry) { e.Handle = "" }},
		{"uppercase handle", func(e *Entry) { e.Handle = "Worker" }},
		{"empty hostname", func(e *Entry) { e.Hostname = "" }},
		{"short projectId", func(e *Entry) { e.ProjectID = "abc" }},
		{"uppercase projectId", func(e *Entry) { e.ProjectID = "AAAAAAAAAAAAAAAA" }},
		{"bad natsUrl", func(e *Entry) { e.NatsURL = "http://localhost" }},
		{"blank capability", func(e *Entry) { e.Capabilities = []string{"build", " "} }},
		{"bad scope", func(e *Entry) { e.Scope = "global" }},
		{"bad status", func(e *Entry) { e.Status = "sleeping" }},
		{"negative task count", func(e *Entry) { e.CurrentTaskCount = -1 }},
		{"zero registeredAt", func(e *Entry) { e.RegisteredAt = time.Time{} }},
		{"zero lastHeartbeat", func(e *Entry) { e.LastHeartbeat = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEntry(ScopeTeam)
			tt.mutate(e)
			err := e.Validate()
			assert.ErrorIs(t, err, substrate.ErrValidation)
		})
	}
}

func TestVisibilityScopeLaws(t *testing.T) {
	self := validEntry(ScopePrivate)
	sameProject := validEntry(ScopeTeam)
	otherProject := validEntry(ScopeTeam)
	otherProject.ProjectID = projectB

	t.Run("private only to self", func(t *testing.T) {
		assert.True(t, IsVisibleTo(self, self))
		assert.False(t, IsVisibleTo(self, sameProject))
	})

	t.Run("team bounded by project", func(t *testing.T) {
		requester := validEntry(ScopeTeam)
		assert.True(t, IsVisibleTo(sameProject, requester))
		assert.False(t, IsVisibleTo(otherProject, requester))
	})

	t.Run("personal requires matching username", func(t *testing.T) {
		entry := validEntry(ScopePersonal)
		entry.Username = "alice"

		match := validEntry(ScopeTeam)
		match.Username = "alice"
		mismatch := validEntry(ScopeTeam)
		mismatch.Username = "bob"
		anonymous := validEntry(ScopeTeam)

		assert.True(t, IsVisibleTo(entry, match))
		assert.False(t, IsVisibleTo(entry, mismatch))
		assert.False(t, IsVisibleTo(entry, anonymous))

		// Two empty usernames never match each other.
		entry.Username = ""
		assert.False(t, IsVisibleTo(entry, anonymous))
	})

	t.Run("public to everyone", func(t *testing.T) {
		entry := validEntry(ScopePublic)
		requester := validEntry(ScopeTeam)
		requester.ProjectID = projectB
		assert.True(t, IsVisibleTo(entry, requester))
	})
}

func TestRedactMatchesVisibility(t *testing.T) {
	// Redact returns nil exactly when IsVisibleTo is false.
	entries := []*Entry{
		validEntry(ScopePrivate),
		validEntry(ScopePersonal),
		validEntry(ScopeTeam),
		validEntry(ScopePublic),
	}
	requester := validEntry(ScopeTeam)
	requester.ProjectID = projectB

	for _, e := range entries {
		visible := IsVisibleTo(e, requester)
		redacted := Redact(e, requester)
		assert.Equal(t, visible, redacted != nil, "scope %s", e.Scope)
	}
}

func TestRedactFields(t *testing.T) {
	entry := validEntry(ScopeTeam)
	entry.Username = "alice"

	t.Run("self sees everything", func(t *testing.T) {
		got := Redact(entry, entry)
		require.NotNil(t, got)
		assert.Equal(t, entry, got)
	})

	t.Run("same project sees routing fields but not registeredAt", func(t *testing.T) {
		requester := validEntry(ScopeTeam)
		got := Redact(entry, requester)
		require.NotNil(t, got)
		assert.Equal(t, entry.NatsURL, got.NatsURL)
		assert.Equal(t, entry.ProjectID, got.ProjectID)
		assert.Equal(t, entry.Hostname, got.Hostname)
		assert.True(t, got.RegisteredAt.IsZero())
		assert.Empty(t, got.Username)
	})

	t.Run("cross project public hides routing", func(t *testing.T) {
		pub := validEntry(ScopePublic)
		requester := validEntry(ScopeTeam)
		requester.ProjectID = projectB
		got := Redact(pub, requester)
		require.NotNil(t, got)
		assert.Empty(t, got.NatsURL)
		assert.Empty(t, got.ProjectID)
		assert.Equal(t, pub.Hostname, got.Hostname)
	})

	t.Run("personal exposes username to matching requester", func(t *testing.T) {
		personal := validEntry(ScopePersonal)
		personal.Username = "alice"
		requester := validEntry(ScopeTeam)
		requester.Username = "alice"
		got := Redact(personal, requester)
		require.NotNil(t, got)
		assert.Equal(t, "alice", got.Username)
	})
}

func TestCursorRoundTrip(t *testing.T) {
	hash := FilterHash(map[string]string{"agentType": "worker"})
	token := Cursor{Offset: 40, Limit: 20, FilterHash: hash}.Encode()

	got, err := DecodeCursor(token, hash)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Offset)
	assert.Equal(t, 20, got.Limit)
}

func TestCursorRejectsDifferentFilter(t *testing.T) {
	issued := FilterHash(map[string]string{"agentType": "worker"})
	token := Cursor{Offset: 40, Limit: 20, FilterHash: issued}.Encode()

	replayed := FilterHash(map[string]string{"agentType": "builder"})
	_, err := DecodeCursor(token, replayed)
	assert.ErrorIs(t, err, substrate.ErrValidation)
}

func TestCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("!!!not-base64!!!", "abc")
	assert.ErrorIs(t, err, substrate.ErrValidation)

	_, err = DecodeCursor("bm90LWpzb24", "abc")
	assert.ErrorIs(t, err, substrate.ErrValidation)
}

func TestFilterHashOrderIndependent(t *testing.T) {
	a := FilterHash(map[string]string{"x": "1", "y": "2"})
	b := FilterHash(map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, FilterHash(map[string]string{"x": "1", "y": "3"}))
}

func TestGUIDFromAgentID(t *testing.T) {
	guid, err := GUIDFromAgentID("deadbeefdeadbeefdeadbeefdeadbeef")
	require.NoError(t, err)
	assert.True(t, IsUUIDv4(guid))

	again, err := GUIDFromAgentID("deadbeefdeadbeefdeadbeefdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, guid, again)

	_, err = GUIDFromAgentID("short")
	assert.ErrorIs(t, err, substrate.ErrValidation)
}

func newTestStore() *Store {
	return NewStore(substrate.NewFake())
}

func registerParams() *RegisterParams {
	return &RegisterParams{
		AgentType:    "worker",
		Handle:       "worker-1",
		Hostname:     "host-a",
		ProjectID:    projectA,
		NatsURL:      "nats://localhost:4222",
		Capabilities: []string{"build"},
		Scope:        ScopeTeam,
	}
}

func TestRegisterMintsAndFetches(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	entry, err := store.Register(ctx, registerParams())
	require.NoError(t, err)
	assert.True(t, IsUUIDv4(entry.GUID))
	assert.Equal(t, StatusOnline, entry.Status)

	got, err := store.Get(ctx, entry.GUID)
	require.NoError(t, err)
	assert.Equal(t, entry.GUID, got.GUID)
	assert.Equal(t, entry.Handle, got.Handle)
}

func TestRegisterStableIdentityReusesGUID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	params := registerParams()
	params.AgentID = "deadbeefdeadbeefdeadbeefdeadbeef"

	first, err := store.Register(ctx, params)
	require.NoError(t, err)

	second, err := store.Register(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, first.GUID, second.GUID)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt, "original registration time survives re-register")
}

func TestRegisterRevivesOfflineEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	first, err := store.Register(ctx, registerParams())
	require.NoError(t, err)

	stored, err := store.Get(ctx, first.GUID)
	require.NoError(t, err)
	stored.Status = StatusOffline
	require.NoError(t, store.Put(ctx, stored))

	second, err := store.Register(ctx, registerParams())
	require.NoError(t, err)
	assert.Equal(t, first.GUID, second.GUID)
	assert.Equal(t, StatusOnline, second.Status)
}

func TestRegisterDoesNotReviveOnlineEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	first, err := store.Register(ctx, registerParams())
	require.NoError(t, err)

	second, err := store.Register(ctx, registerParams())
	require.NoError(t, err)
	assert.NotEqual(t, first.GUID, second.GUID, "live entries are never stolen")
}

func TestRegisterRejectsInvalidParams(t *testing.T) {
	params := registerParams()
	params.Handle = "Not Valid"
	_, err := newTestStore().Register(context.Background(), params)
	assert.ErrorIs(t, err, substrate.ErrValidation)
}

func TestGetMissing(t *testing.T) {
	_, err := newTestStore().Get(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, substrate.ErrNotFound))
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	entry, err := store.Register(ctx, registerParams())
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, entry.GUID))
	require.NoError(t, store.Delete(ctx, entry.GUID))

	_, err = store.Get(ctx, entry.GUID)
	assert.ErrorIs(t, err, substrate.ErrNotFound)
}

func seedDiscoverStore(t *testing.T, store *Store) (requester *Entry) {
	t.Helper()
	ctx := context.Background()

	req, err := store.Register(ctx, registerParams())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		p := registerParams()
		p.Handle = fmt.Sprintf("builder-%d", i)
		p.AgentType = "builder"
		p.Capabilities = []string{"compile"}
		entry, err := store.Register(ctx, p)
		require.NoError(t, err)

		// Spread heartbeats so sort order is observable. builder-4 is
		// freshest.
		stored, err := store.Get(ctx, entry.GUID)
		require.NoError(t, err)
		stored.LastHeartbeat = time.Now().UTC().Add(time.Duration(i-10) * time.Minute)
		require.NoError(t, store.Put(ctx, stored))
	}

	// One entry in another project, team scoped: invisible to requester.
	other := registerParams()
	other.ProjectID = projectB
	other.Handle = "hidden"
	_, err = store.Register(context.Background(), other)
	require.NoError(t, err)

	return req
}

func TestDiscoverFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	requester := seedDiscoverStore(t, store)

	page, err := store.Discover(ctx, requester, &Filter{AgentType: "builder"})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.False(t, page.HasMore)
	require.Len(t, page.Entries, 5)
	assert.Equal(t, "builder-4", page.Entries[0].Handle, "freshest heartbeat first")
	for i := 1; i < len(page.Entries); i++ {
		assert.False(t, page.Entries[i-1].LastHeartbeat.Before(page.Entries[i].LastHeartbeat))
	}
}

func TestDiscoverExcludesInvisible(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	requester := seedDiscoverStore(t, store)

	page, err := store.Discover(ctx, requester, nil)
	require.NoError(t, err)
	for _, e := range page.Entries {
		assert.NotEqual(t, "hidden", e.Handle)
	}
}

func TestDiscoverCapabilityFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	requester := seedDiscoverStore(t, store)

	page, err := store.Discover(ctx, requester, &Filter{Capability: "compile"})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)

	page, err = store.Discover(ctx, requester, &Filter{Capability: "deploy"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Entries)
}

func TestDiscoverPagination(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	requester := seedDiscoverStore(t, store)

	filter := &Filter{AgentType: "builder", Limit: 2}
	first, err := store.Discover(ctx, requester, filter)
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	filter.Cursor = first.NextCursor
	second, err := store.Discover(ctx, requester, filter)
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.True(t, second.HasMore)
	assert.NotEqual(t, first.Entries[0].GUID, second.Entries[0].GUID)

	filter.Cursor = second.NextCursor
	third, err := store.Discover(ctx, requester, filter)
	require.NoError(t, err)
	require.Len(t, third.Entries, 1)
	assert.False(t, third.HasMore)
	assert.Empty(t, third.NextCursor)
}

func TestDiscoverCursorFilterMismatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	requester := seedDiscoverStore(t, store)

	first, err := store.Discover(ctx, requester, &Filter{AgentType: "builder", Limit: 2})
	require.NoError(t, err)
	require.NotEmpty(t, first.NextCursor)

	_, err = store.Discover(ctx, requester, &Filter{AgentType: "worker", Limit: 2, Cursor: first.NextCursor})
	assert.ErrorIs(t, err, substrate.ErrValidation)
}

func TestDiscoverOfflineExcludedByDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	requester := seedDiscoverStore(t, store)

	page, err := store.Discover(ctx, requester, &Filter{AgentType: "builder"})
	require.NoError(t, err)
	victim := page.Entries[0].GUID

	stored, err := store.Get(ctx, victim)
	require.NoError(t, err)
	stored.Status = StatusOffline
	require.NoError(t, store.Put(ctx, stored))

	page, err = store.Discover(ctx, requester, &Filter{AgentType: "builder"})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	page, err = store.Discover(ctx, requester, &Filter{AgentType: "builder", IncludeOffline: true})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)

	// Asking for offline explicitly also returns them.
	page, err = store.Discover(ctx, requester, &Filter{AgentType: "builder", Status: StatusOffline})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestDiscoverLimitCeiling(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	requester := seedDiscoverStore(t, store)

	page, err := store.Discover(ctx, requester, &Filter{Limit: 500})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(page.Entries), MaxDiscoverLimit)
}
