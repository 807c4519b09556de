// Package identity derives and persists stable agent identities so that the
// same process on the same host and project rehydrates the same agent ID
// across restarts.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"loom/pkg/logx"
	"loom/pkg/substrate"
)

// Environment overrides.
const (
	EnvExplicitAgentID = "EXPLICIT_AGENT_ID"
	EnvSubagentType    = "LOOM_SUBAGENT_TYPE"
)

// KV layout: bucket loom-identity-<projectId>, keys "root" and
// "subagent/<type>".
const (
	bucketPrefix = "loom-identity-"
	rootKey      = "root"
	subagentKey  = "subagent/"
)

type Kind string

const (
	KindRoot     Kind = "root"
	KindSubagent Kind = "subagent"
)

// Identity is either a root identity (host + project) or a subagent identity
// derived from a parent.
type Identity struct {
	Kind         Kind      `json:"kind"`
	AgentID      string    `json:"agentId"`
	Hostname     string    `json:"hostname,omitempty"`
	ProjectPath  string    `json:"projectPath,omitempty"`
	ParentID     string    `json:"parentId,omitempty"`
	SubagentType string    `json:"subagentType,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Service persists identities in the per-project identity bucket.
type Service struct {
	sub    substrate.Conn
	logger *logx.Logger

	// hostname is resolved once; overridable for tests.
	hostname string
}

func NewService(sub substrate.Conn) *Service {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return &Service{
		sub:      sub,
		logger:   logx.NewLogger("identity"),
		hostname: host,
	}
}

// WithHostname overrides the resolved hostname. Test helper.
func (s *Service) WithHostname(host string) *Service {
	s.hostname = host
	return s
}

// DeriveRootID returns the first 32 hex characters of
// SHA-256(hostname || projectPath).
func (s *Service) DeriveRootID(projectPath string) string {
	sum := sha256.Sum256([]byte(s.hostname + projectPath))
	return hex.EncodeToString(sum[:])[:32]
}

// DeriveSubagentID returns the first 32 hex characters of
// SHA-256(parentId || subagentType).
func DeriveSubagentID(parentID, subagentType string) string {
	sum := sha256.Sum256([]byte(parentID + subagentType))
	return hex.EncodeToString(sum[:])[:32]
}

// Initialize resolves this process's identity for the project:
//
//  1. EXPLICIT_AGENT_ID overrides everything and is stored as root.
//  2. A subagent type in the environment derives from the stored root
//     (which must already exist).
//  3. A stored root identity with a matching hostname is reused verbatim.
//  4. Otherwise a fresh root identity is derived and stored.
func (s *Service) Initialize(ctx context.Context, projectID, projectPath string) (*Identity, error) {
	kv, err := s.sub.KeyValue(ctx, bucketPrefix+projectID)
	if err != nil {
		return nil, fmt.Errorf("open identity bucket: %w", err)
	}

	if explicit := os.Getenv(EnvExplicitAgentID); explicit != "" {
		id := &Identity{
			Kind:        KindRoot,
			AgentID:     explicit,
			Hostname:    s.hostname,
			ProjectPath: projectPath,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store(ctx, kv, rootKey, id); err != nil {
			return nil, err
		}
		s.logger.Info("using explicit agent id %s", explicit)
		return id, nil
	}

	if subType := os.Getenv(EnvSubagentType); subType != "" {
		root, err := load(ctx, kv, rootKey)
		if err != nil {
			if errors.Is(err, substrate.ErrNotFound) {
				return nil, fmt.Errorf("subagent %q requires a root identity, none stored for project %s", subType, projectID)
			}
			return nil, err
		}
		id := &Identity{
			Kind:         KindSubagent,
			AgentID:      DeriveSubagentID(root.AgentID, subType),
			ParentID:     root.AgentID,
			SubagentType: subType,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store(ctx, kv, subagentKey+subType, id); err != nil {
			return nil, err
		}
		s.logger.Info("derived subagent identity %s (type %s, parent %s)", id.AgentID, subType, root.AgentID)
		return id, nil
	}

	existing, err := load(ctx, kv, rootKey)
	if err == nil && existing.Hostname == s.hostname {
		s.logger.Debug("reusing stored root identity %s", existing.AgentID)
		return existing, nil
	}
	if err != nil && !errors.Is(err, substrate.ErrNotFound) {
		return nil, err
	}

	id := &Identity{
		Kind:        KindRoot,
		AgentID:     s.DeriveRootID(projectPath),
		Hostname:    s.hostname,
		ProjectPath: projectPath,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store(ctx, kv, rootKey, id); err != nil {
		return nil, err
	}
	s.logger.Info("derived root identity %s for %s", id.AgentID, projectPath)
	return id, nil
}

func store(ctx context.Context, kv substrate.KV, key string, id *Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store identity %s: %w", key, err)
	}
	return nil
}

func load(ctx context.Context, kv substrate.KV, key string) (*Identity, error) {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse stored identity %s: %w", key, err)
	}
	return &id, nil
}
