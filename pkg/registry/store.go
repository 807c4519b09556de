package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/pkg/logx"
	"loom/pkg/metrics"
	"loom/pkg/substrate"
)

// BucketName is the shared directory bucket. Discovery crosses projects
// (public scope), so all entries live in one bucket and scoping is enforced
// by visibility rules, not storage layout.
const BucketName = "loom-registry"

// DefaultDiscoverLimit caps a discovery page when the caller does not ask
// for less. MaxDiscoverLimit is the hard ceiling.
const (
	DefaultDiscoverLimit = 50
	MaxDiscoverLimit     = 100
)

// Store reads and writes directory entries. The store is the single writer
// for entries except the lifecycle loops, which go through Put.
type Store struct {
	sub    substrate.Conn
	logger *logx.Logger
}

func NewStore(sub substrate.Conn) *Store {
	return &Store{sub: sub, logger: logx.NewLogger("registry")}
}

// RegisterParams is the caller-supplied slice of an entry; the store fills
// in identity, status, and timestamps.
type RegisterParams struct {
	AgentType    string
	Handle       string
	Hostname     string
	ProjectID    string
	NatsURL      string
	Username     string
	Capabilities []string
	Scope        Scope

	// AgentID is the stable identity-derived ID, when one exists. It pins
	// the GUID so the same process re-registers into the same entry across
	// restarts.
	AgentID string
}

// GUIDFromAgentID maps a 32-hex stable agent ID onto the canonical UUID-v4
// shape deterministically, forcing the version and variant nibbles.
func GUIDFromAgentID(agentID string) (string, error) {
	if len(agentID) != 32 {
		return "", substrate.Validationf("agent id must be 32 hex characters, got %q", agentID)
	}
	b := []byte(strings.ToLower(agentID))
	b[12] = '4' // version 4
	if b[16] != '8' && b[16] != '9' && b[16] != 'a' && b[16] != 'b' {
		b[16] = '8' // RFC 4122 variant
	}
	s := string(b)
	guid := fmt.Sprintf("%s-%s-%s-%s-%s", s[0:8], s[8:12], s[12:16], s[16:20], s[20:32])
	if !IsUUIDv4(guid) {
		return "", substrate.Validationf("agent id %q does not map to a valid guid", agentID)
	}
	return guid, nil
}

// Register creates or revives an entry. With a stable AgentID the derived
// GUID wins and an existing entry under it is reused (its registeredAt is
// preserved). Without one, an offline entry matching hostname, projectId and
// agentType is revived; otherwise a fresh GUID is minted.
func (s *Store) Register(ctx context.Context, params *RegisterParams) (*Entry, error) {
	now := time.Now().UTC()

	entry := &Entry{
		AgentType:        params.AgentType,
		Handle:           params.Handle,
		Hostname:         params.Hostname,
		ProjectID:        params.ProjectID,
		NatsURL:          params.NatsURL,
		Username:         params.Username,
		Capabilities:     append([]string(nil), params.Capabilities...),
		Scope:            params.Scope,
		Status:           StatusOnline,
		CurrentTaskCount: 0,
		RegisteredAt:     now,
		LastHeartbeat:    now,
	}
	if entry.Scope == "" {
		entry.Scope = ScopeTeam
	}

	switch {
	case params.AgentID != "":
		guid, err := GUIDFromAgentID(params.AgentID)
		if err != nil {
			return nil, err
		}
		entry.GUID = guid
		if existing, err := s.Get(ctx, guid); err == nil {
			entry.RegisteredAt = existing.RegisteredAt
			s.logger.Info("reusing entry %s for stable identity %s", guid, params.AgentID)
		}
	default:
		if revived := s.findOfflineMatch(ctx, params); revived != nil {
			entry.GUID = revived.GUID
			entry.RegisteredAt = revived.RegisteredAt
			s.logger.Info("reviving offline entry %s (%s on %s)", revived.GUID, params.AgentType, params.Hostname)
		} else {
			entry.GUID = uuid.NewString()
		}
	}

	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if err := s.Put(ctx, entry); err != nil {
		return nil, err
	}
	metrics.AgentsRegistered.Inc()
	s.logger.Info("registered %s (%s, handle %s, scope %s)", entry.GUID, entry.AgentType, entry.Handle, entry.Scope)
	return entry.Clone(), nil
}

func (s *Store) findOfflineMatch(ctx context.Context, params *RegisterParams) *Entry {
	entries, err := s.List(ctx)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.Status == StatusOffline &&
			e.Hostname == params.Hostname &&
			e.ProjectID == params.ProjectID &&
			e.AgentType == params.AgentType {
			return e
		}
	}
	return nil
}

// Get fetches one entry by GUID, unredacted.
func (s *Store) Get(ctx context.Context, guid string) (*Entry, error) {
	kv, err := s.sub.KeyValue(ctx, BucketName)
	if err != nil {
		return nil, err
	}
	data, err := kv.Get(ctx, guid)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return nil, substrate.NotFoundf("agent %s", guid)
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse entry %s: %w", guid, err)
	}
	return &entry, nil
}

// Put validates and stores an entry under its GUID.
func (s *Store) Put(ctx context.Context, entry *Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	kv, err := s.sub.KeyValue(ctx, BucketName)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", entry.GUID, err)
	}
	return kv.Put(ctx, entry.GUID, data)
}

// Delete removes an entry. Deleting an absent entry is a no-op.
func (s *Store) Delete(ctx context.Context, guid string) error {
	kv, err := s.sub.KeyValue(ctx, BucketName)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, guid); err != nil && !errors.Is(err, substrate.ErrNotFound) {
		return err
	}
	return nil
}

// List returns every entry, unredacted. Unparseable values are logged and
// skipped so one bad record cannot break discovery or GC.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	kv, err := s.sub.KeyValue(ctx, BucketName)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		data, err := kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, substrate.ErrNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.logger.Warn("skipping unparseable entry %s: %v", key, err)
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Filter narrows discovery. Zero values mean "any".
type Filter struct {
	AgentType      string
	Capability     string
	Hostname       string
	ProjectID      string
	Status         Status
	Scope          Scope
	IncludeOffline bool
	Limit          int
	Cursor         string
}

// hashInput builds the canonical filter fingerprint input. Limit and cursor
// are pagination state, not filter identity.
func (f *Filter) hashInput() map[string]string {
	return map[string]string{
		"agentType":      f.AgentType,
		"capability":     f.Capability,
		"hostname":       f.Hostname,
		"projectId":      f.ProjectID,
		"status":         string(f.Status),
		"scope":          string(f.Scope),
		"includeOffline": strconv.FormatBool(f.IncludeOffline),
	}
}

func (f *Filter) matches(e *Entry) bool {
	if f.AgentType != "" && e.AgentType != f.AgentType {
		return false
	}
	if f.Capability != "" && !e.HasCapability(f.Capability) {
		return false
	}
	if f.Hostname != "" && e.Hostname != f.Hostname {
		return false
	}
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Scope != "" && e.Scope != f.Scope {
		return false
	}
	if !f.IncludeOffline && e.Status == StatusOffline && f.Status != StatusOffline {
		return false
	}
	return true
}

// Page is one discovery result page. Entries are redacted for the requester
// and sorted by lastHeartbeat descending.
type Page struct {
	Entries    []*Entry `json:"entries"`
	Total      int      `json:"total"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Discover lists entries visible to the requester, filtered, redacted,
// sorted, and paginated.
func (s *Store) Discover(ctx context.Context, requester *Entry, filter *Filter) (*Page, error) {
	if filter == nil {
		filter = &Filter{}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultDiscoverLimit
	}
	if limit > MaxDiscoverLimit {
		limit = MaxDiscoverLimit
	}

	hash := FilterHash(filter.hashInput())
	offset := 0
	if filter.Cursor != "" {
		cursor, err := DecodeCursor(filter.Cursor, hash)
		if err != nil {
			return nil, err
		}
		offset = cursor.Offset
		if cursor.Limit > 0 && cursor.Limit <= MaxDiscoverLimit {
			limit = cursor.Limit
		}
	}

	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*Entry
	for _, e := range all {
		if !IsVisibleTo(e, requester) {
			continue
		}
		if !filter.matches(e) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].LastHeartbeat.After(matched[j].LastHeartbeat)
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := &Page{Total: total, HasMore: end < total}
	for _, e := range matched[offset:end] {
		page.Entries = append(page.Entries, Redact(e, requester))
	}
	if page.HasMore {
		page.NextCursor = Cursor{Offset: end, Limit: limit, FilterHash: hash}.Encode()
	}
	return page, nil
}
