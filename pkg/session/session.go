// Package session holds the per-process agent state the tool surface acts
// on: the chosen handle, the resolved identity, the registered entry, and
// the heartbeat singleton. One session maps to one agent.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"loom/pkg/config"
	"loom/pkg/identity"
	"loom/pkg/inbox"
	"loom/pkg/lifecycle"
	"loom/pkg/logx"
	"loom/pkg/registry"
	"loom/pkg/substrate"
)

var handleRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// Session is safe for concurrent use; no lock is held across a substrate
// call.
type Session struct {
	cfg   *config.Config
	sub   substrate.Conn
	store *registry.Store
	ident *identity.Identity
	inbox *inbox.Service

	logger *logx.Logger

	mu        sync.Mutex
	handle    string
	self      *registry.Entry
	heartbeat *lifecycle.Heartbeat
}

func New(cfg *config.Config, sub substrate.Conn, store *registry.Store, ident *identity.Identity) *Session {
	return &Session{
		cfg:    cfg,
		sub:    sub,
		store:  store,
		ident:  ident,
		inbox:  inbox.NewService(sub, store, cfg.WorkQueue),
		logger: logx.NewLogger("session"),
	}
}

// SetHandle sets the display handle used for channel messages and
// registration.
func (s *Session) SetHandle(handle string) error {
	if !handleRe.MatchString(handle) {
		return substrate.Validationf("handle must match ^[a-z0-9-]+$, got %q", handle)
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	s.logger.Info("handle set to %s", handle)
	return nil
}

// Handle returns the current handle, empty if unset.
func (s *Session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Self returns the session's registered entry, or nil before register.
func (s *Session) Self() *registry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.Clone()
}

// Identity returns the session's resolved identity.
func (s *Session) Identity() *identity.Identity {
	return s.ident
}

// sanitizeHandle derives a legal handle from free-form text.
func sanitizeHandle(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Register creates (or revives) this session's directory entry and starts
// the heartbeat singleton. Re-registering supersedes the previous heartbeat.
func (s *Session) Register(ctx context.Context, agentType string, capabilities []string, scope registry.Scope) (*registry.Entry, error) {
	if strings.TrimSpace(agentType) == "" {
		return nil, substrate.Validationf("agentType must be non-empty")
	}

	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == "" {
		handle = sanitizeHandle(agentType)
		if handle == "" {
			return nil, substrate.Validationf("agentType %q yields no usable handle; call handle_set first", agentType)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	params := &registry.RegisterParams{
		AgentType:    agentType,
		Handle:       handle,
		Hostname:     hostname,
		ProjectID:    s.cfg.ProjectID,
		NatsURL:      s.cfg.NatsURL,
		Username:     os.Getenv("USER"),
		Capabilities: capabilities,
		Scope:        scope,
	}
	if s.ident != nil {
		params.AgentID = s.ident.AgentID
	}

	entry, err := s.store.Register(ctx, params)
	if err != nil {
		return nil, err
	}

	// The mailbox exists as soon as the agent does, so senders never race
	// the recipient's first read.
	if err := s.inbox.Provision(ctx, entry.GUID); err != nil {
		return nil, fmt.Errorf("provision inbox for %s: %w", entry.GUID, err)
	}

	hb := lifecycle.NewHeartbeat(s.store, entry.GUID, s.cfg.Lifecycle)

	s.mu.Lock()
	prev := s.heartbeat
	s.self = entry
	s.handle = handle
	s.heartbeat = hb
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	// The heartbeat outlives the registering request.
	hb.Start(context.WithoutCancel(ctx))
	return entry.Clone(), nil
}

// PresenceUpdate carries the mutable presence fields. Nil fields are left
// untouched.
type PresenceUpdate struct {
	Status           *registry.Status
	CurrentTaskCount *int
	Capabilities     []string
}

// UpdatePresence mutates the session's own entry. Setting status offline
// stops the heartbeat so GC ownership of the entry is unambiguous.
func (s *Session) UpdatePresence(ctx context.Context, update *PresenceUpdate) (*registry.Entry, error) {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	if self == nil {
		return nil, substrate.Validationf("not registered; call register first")
	}
	if update == nil || (update.Status == nil && update.CurrentTaskCount == nil && update.Capabilities == nil) {
		return nil, substrate.Validationf("provide at least one of status, currentTaskCount, capabilities")
	}

	entry, err := s.store.Get(ctx, self.GUID)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		if !registry.ValidStatus(*update.Status) {
			return nil, substrate.Validationf("status must be one of online, busy, offline, got %q", *update.Status)
		}
		entry.Status = *update.Status
	}
	if update.CurrentTaskCount != nil {
		if *update.CurrentTaskCount < 0 {
			return nil, substrate.Validationf("currentTaskCount must be non-negative, got %d", *update.CurrentTaskCount)
		}
		entry.CurrentTaskCount = *update.CurrentTaskCount
	}
	if update.Capabilities != nil {
		entry.Capabilities = append([]string(nil), update.Capabilities...)
	}

	if err := s.store.Put(ctx, entry); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.self = entry.Clone()
	hb := s.heartbeat
	goingOffline := update.Status != nil && *update.Status == registry.StatusOffline
	if goingOffline {
		s.heartbeat = nil
	}
	s.mu.Unlock()

	if goingOffline && hb != nil {
		hb.Stop()
	}
	return entry.Clone(), nil
}

// Deregister marks the entry offline and stops the heartbeat. The entry
// stays in the directory until GC's TTL removes it.
func (s *Session) Deregister(ctx context.Context) error {
	s.mu.Lock()
	self := s.self
	hb := s.heartbeat
	s.self = nil
	s.heartbeat = nil
	s.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	if self == nil {
		return nil // deregister without register is a no-op
	}

	entry, err := s.store.Get(ctx, self.GUID)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return nil
		}
		return err
	}
	entry.Status = registry.StatusOffline
	if err := s.store.Put(ctx, entry); err != nil {
		return err
	}
	s.logger.Info("deregistered %s", self.GUID)
	return nil
}

// Close releases the session's background loops. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	hb := s.heartbeat
	s.heartbeat = nil
	s.mu.Unlock()
	if hb != nil {
		hb.Stop()
	}
}
