// Package workqueue routes work items to agents by capability: broadcast
// into per-capability streams, destructive competing claims, non-destructive
// listing, and a dead letter queue for items that exhausted their delivery
// budget.
package workqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"loom/pkg/config"
	"loom/pkg/registry"
	"loom/pkg/substrate"
)

// Priority bounds. Zero means "use the default".
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Claim timeout bounds.
const (
	MinClaimTimeout     = 100 * time.Millisecond
	MaxClaimTimeout     = 30 * time.Second
	DefaultClaimTimeout = 5 * time.Second
)

// ListLimit bounds for ListWork and the DLQ listing.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Capability queue retention.
const (
	QueueMaxMsgs = 10000
	QueueMaxAge  = 7 * 24 * time.Hour
)

// WorkItem is one offered unit of work as serialized on the wire.
type WorkItem struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId"`
	Capability  string         `json:"capability"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	ContextData map[string]any `json:"contextData,omitempty"`
	OfferedBy   string         `json:"offeredBy"`
	OfferedAt   time.Time      `json:"offeredAt"`
	Attempts    int            `json:"attempts"`
	Scope       registry.Scope `json:"scope"`
}

// DLQItem wraps a work item that exhausted its delivery budget.
type DLQItem struct {
	ID       string    `json:"id"` // equals WorkItem.ID
	WorkItem *WorkItem `json:"workItem"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
	Errors   []string  `json:"errors"`
}

// CapabilityStream maps a capability to its queue stream name: uppercased,
// with every non-alphanumeric replaced by an underscore.
func CapabilityStream(capability string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(capability) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return config.WorkQueuePrefix + b.String()
}

// CapabilitySubject is the publish subject for a capability queue. One
// subject per stream keeps claims and lists addressable by stream name
// alone.
func CapabilitySubject(capability string) string {
	return "global.work." + strings.ToLower(CapabilityStream(capability)[len(config.WorkQueuePrefix):])
}

func marshalItem(item *WorkItem) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal work item: %w", err)
	}
	return data, nil
}

func parseWorkItem(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("parse work item: %w", err)
	}
	return &item, nil
}

func parseDLQItem(data []byte) (*DLQItem, error) {
	var item DLQItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("parse dead letter: %w", err)
	}
	return &item, nil
}

func validatePriority(priority int) (int, error) {
	if priority == 0 {
		return DefaultPriority, nil
	}
	if priority < MinPriority || priority > MaxPriority {
		return 0, substrate.Validationf("priority must be between %d and %d, got %d", MinPriority, MaxPriority, priority)
	}
	return priority, nil
}
