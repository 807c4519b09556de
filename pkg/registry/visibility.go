package registry

// IsVisibleTo applies the scope laws:
//
//	private  — visible only to the entry itself
//	personal — visible when both sides carry the same non-empty username
//	team     — visible within the same project
//	public   — visible to everyone
func IsVisibleTo(entry, requester *Entry) bool {
	if entry == nil || requester == nil {
		return false
	}
	switch entry.Scope {
	case ScopePrivate:
		return entry.GUID == requester.GUID
	case ScopePersonal:
		return entry.Username != "" && requester.Username != "" && entry.Username == requester.Username
	case ScopeTeam:
		return entry.ProjectID == requester.ProjectID
	case ScopePublic:
		return true
	default:
		return false
	}
}

// Redact returns the fields of entry the requester may see, or nil when the
// entry is not visible at all. An agent always sees its own entry whole;
// registeredAt is never exposed to anyone else.
func Redact(entry, requester *Entry) *Entry {
	if !IsVisibleTo(entry, requester) {
		return nil
	}
	if entry.GUID == requester.GUID {
		return entry.Clone()
	}

	out := &Entry{
		GUID:             entry.GUID,
		AgentType:        entry.AgentType,
		Handle:           entry.Handle,
		Capabilities:     append([]string(nil), entry.Capabilities...),
		Scope:            entry.Scope,
		Status:           entry.Status,
		CurrentTaskCount: entry.CurrentTaskCount,
		LastHeartbeat:    entry.LastHeartbeat,
	}

	sameProject := entry.ProjectID == requester.ProjectID
	if sameProject {
		out.ProjectID = entry.ProjectID
		out.NatsURL = entry.NatsURL
	}
	if sameProject || entry.Scope == ScopePublic {
		out.Hostname = entry.Hostname
	}
	if entry.Scope == ScopePersonal && entry.Username == requester.Username {
		out.Username = entry.Username
	}
	return out
}
