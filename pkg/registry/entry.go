// Package registry is the KV-backed directory of agents: validation,
// storage, scope-based visibility, field redaction, and paginated discovery.
// It holds no per-connection state and knows nothing about the lifecycle
// loops that touch its entries.
package registry

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/pkg/substrate"
)

// Scope is the visibility domain of an entry.
type Scope string

const (
	ScopePrivate  Scope = "private"
	ScopePersonal Scope = "personal"
	ScopeTeam     Scope = "team"
	ScopePublic   Scope = "public"
)

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool {
	switch s {
	case ScopePrivate, ScopePersonal, ScopeTeam, ScopePublic:
		return true
	default:
		return false
	}
}

// Status is the advertised liveness of an agent.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusBusy, StatusOffline:
		return true
	default:
		return false
	}
}

var (
	handleRe    = regexp.MustCompile(`^[a-z0-9-]+$`)
	projectIDRe = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// Entry is one agent's record in the directory.
type Entry struct {
	GUID             string    `json:"guid"`
	AgentType        string    `json:"agentType"`
	Handle           string    `json:"handle"`
	Hostname         string    `json:"hostname"`
	ProjectID        string    `json:"projectId"`
	NatsURL          string    `json:"natsUrl"`
	Username         string    `json:"username,omitempty"`
	Capabilities     []string  `json:"capabilities"`
	Scope            Scope     `json:"scope"`
	Status           Status    `json:"status"`
	CurrentTaskCount int       `json:"currentTaskCount"`
	RegisteredAt     time.Time `json:"registeredAt"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
}

// HasCapability checks set membership; duplicates in the list are tolerated.
func (e *Entry) HasCapability(capability string) bool {
	for _, c := range e.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Capabilities = append([]string(nil), e.Capabilities...)
	return &out
}

// IsUUIDv4 validates the canonical UUID-v4 string form.
func IsUUIDv4(s string) bool {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return parsed.Version() == 4 && strings.Count(s, "-") == 4
}

// Validate checks every field the directory depends on. The returned errors
// are ErrValidation kinds carrying remediation text.
func (e *Entry) Validate() error {
	if !IsUUIDv4(e.GUID) {
		return substrate.Validationf("guid must be a UUID v4, got %q", e.GUID)
	}
	if strings.TrimSpace(e.AgentType) == "" {
		return substrate.Validationf("agentType must be non-empty")
	}
	if strings.TrimSpace(e.Handle) == "" {
		return substrate.Validationf("handle must be non-empty")
	}
	if !handleRe.MatchString(e.Handle) {
		return substrate.Validationf("handle must match ^[a-z0-9-]+$, got %q", e.Handle)
	}
	if strings.TrimSpace(e.Hostname) == "" {
		return substrate.Validationf("hostname must be non-empty")
	}
	if !projectIDRe.MatchString(e.ProjectID) {
		return substrate.Validationf("projectId must be 16 lowercase hex characters, got %q", e.ProjectID)
	}
	if !strings.HasPrefix(e.NatsURL, "nats://") {
		return substrate.Validationf("natsUrl must begin with nats://, got %q", e.NatsURL)
	}
	for i, c := range e.Capabilities {
		if strings.TrimSpace(c) == "" {
			return substrate.Validationf("capabilities[%d] must be non-empty", i)
		}
	}
	if !ValidScope(e.Scope) {
		return substrate.Validationf("scope must be one of private, personal, team, public, got %q", e.Scope)
	}
	if !ValidStatus(e.Status) {
		return substrate.Validationf("status must be one of online, busy, offline, got %q", e.Status)
	}
	if e.CurrentTaskCount < 0 {
		return substrate.Validationf("currentTaskCount must be non-negative, got %d", e.CurrentTaskCount)
	}
	if e.RegisteredAt.IsZero() {
		return substrate.Validationf("registeredAt is required")
	}
	if e.LastHeartbeat.IsZero() {
		return substrate.Validationf("lastHeartbeat is required")
	}
	return nil
}
