package workqueue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/pkg/config"
	"loom/pkg/logx"
	"loom/pkg/metrics"
	"loom/pkg/registry"
	"loom/pkg/substrate"
)

// ConsumerName is the shared durable consumer competing claimers fetch from.
const ConsumerName = "workers"

// Engine implements the capability-routed work queue over the substrate.
type Engine struct {
	sub    substrate.Conn
	cfg    config.WorkQueueConfig
	logger *logx.Logger

	clock func() time.Time
}

func NewEngine(sub substrate.Conn, cfg config.WorkQueueConfig) *Engine {
	return &Engine{
		sub:    sub,
		cfg:    cfg,
		logger: logx.NewLogger("workqueue"),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) ensureQueue(ctx context.Context, capability string) error {
	return e.sub.EnsureStream(ctx, substrate.StreamConfig{
		Name:     CapabilityStream(capability),
		Subjects: []string{CapabilitySubject(capability)},
		MaxMsgs:  QueueMaxMsgs,
		MaxAge:   QueueMaxAge,
	})
}

// BroadcastParams carries everything a work offer needs beyond the sender.
type BroadcastParams struct {
	TaskID      string
	Description string
	Capability  string
	Priority    int
	Deadline    *time.Time
	ContextData map[string]any
	Scope       registry.Scope
}

// Broadcast validates and publishes a fresh work item onto the capability
// queue. The sender must be registered.
func (e *Engine) Broadcast(ctx context.Context, sender *registry.Entry, params *BroadcastParams) (*WorkItem, error) {
	if sender == nil {
		return nil, substrate.Validationf("sender is not registered; call register first")
	}
	if strings.TrimSpace(params.TaskID) == "" {
		return nil, substrate.Validationf("taskId must be non-empty")
	}
	if strings.TrimSpace(params.Description) == "" {
		return nil, substrate.Validationf("description must be non-empty")
	}
	if strings.TrimSpace(params.Capability) == "" {
		return nil, substrate.Validationf("requiredCapability must be non-empty")
	}
	priority, err := validatePriority(params.Priority)
	if err != nil {
		return nil, err
	}
	scope := params.Scope
	if scope == "" {
		scope = registry.ScopeTeam
	}
	if !registry.ValidScope(scope) {
		return nil, substrate.Validationf("scope must be one of private, personal, team, public, got %q", scope)
	}

	item := &WorkItem{
		ID:          uuid.NewString(),
		TaskID:      params.TaskID,
		Capability:  params.Capability,
		Description: params.Description,
		Priority:    priority,
		Deadline:    params.Deadline,
		ContextData: params.ContextData,
		OfferedBy:   sender.GUID,
		OfferedAt:   e.clock(),
		Attempts:    0,
		Scope:       scope,
	}

	if err := e.ensureQueue(ctx, params.Capability); err != nil {
		return nil, err
	}
	data, err := marshalItem(item)
	if err != nil {
		return nil, err
	}
	if _, err := e.sub.Publish(ctx, CapabilitySubject(params.Capability), data); err != nil {
		return nil, err
	}

	metrics.WorkBroadcast.WithLabelValues(params.Capability).Inc()
	e.logger.Info("broadcast %s (task %s, capability %s, priority %d)", item.ID, item.TaskID, item.Capability, item.Priority)
	return item, nil
}

// ClaimResult is the outcome of one claim attempt. A nil Item means the
// queue had no work within the timeout; that is not an error.
type ClaimResult struct {
	Item *WorkItem `json:"item,omitempty"`
}

// Claim fetches at most one item from the capability queue within timeout.
// A successful claim is destructive: the item is acknowledged and removed
// from the stream, and no other claimer will see it. Items whose delivery
// count has reached the configured budget are diverted to the dead letter
// queue instead of being handed out.
func (e *Engine) Claim(ctx context.Context, claimer *registry.Entry, capability string, timeout time.Duration) (*ClaimResult, error) {
	if claimer == nil {
		return nil, substrate.Validationf("claimer is not registered; call register first")
	}
	if strings.TrimSpace(capability) == "" {
		return nil, substrate.Validationf("capability must be non-empty")
	}
	if !claimer.HasCapability(capability) {
		return nil, substrate.Validationf("agent %s does not hold capability %q", claimer.GUID, capability)
	}
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	if timeout < MinClaimTimeout || timeout > MaxClaimTimeout {
		return nil, substrate.Validationf("timeout must be between %s and %s, got %s", MinClaimTimeout, MaxClaimTimeout, timeout)
	}

	stream := CapabilityStream(capability)
	if err := e.ensureQueue(ctx, capability); err != nil {
		return nil, err
	}
	if err := e.sub.EnsureConsumer(ctx, stream, ConsumerName, e.cfg.AckTimeout.Std(), e.cfg.MaxDeliveryAttempts); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return &ClaimResult{}, nil
		}

		msgs, err := e.sub.Fetch(ctx, stream, ConsumerName, 1, wait)
		if err != nil {
			if errors.Is(err, substrate.ErrNotFound) {
				return &ClaimResult{}, nil
			}
			return nil, err
		}
		if len(msgs) == 0 {
			return &ClaimResult{}, nil
		}
		msg := msgs[0]
		attempts := int(msg.NumDelivered())

		item, err := parseWorkItem(msg.Data())
		if err != nil {
			// Poison message: consume it so it cannot block the queue.
			e.logger.Warn("discarding unparseable work item at seq %d: %v", msg.StreamSequence(), err)
			e.consume(ctx, stream, msg)
			continue
		}

		if attempts >= e.cfg.MaxDeliveryAttempts {
			if err := e.deadLetter(ctx, item, "max delivery attempts exhausted", attempts, nil); err != nil {
				// Leave the original pending; the next failure path retries.
				e.logger.Error("dead letter publish failed for %s: %v", item.ID, err)
				_ = msg.Nak()
				return &ClaimResult{}, nil
			}
			e.consume(ctx, stream, msg)
			metrics.WorkDeadLettered.WithLabelValues(capability).Inc()
			e.logger.Info("dead lettered %s after %d deliveries", item.ID, attempts)
			continue
		}

		item.Attempts = attempts
		e.consume(ctx, stream, msg)
		metrics.WorkClaimed.WithLabelValues(capability).Inc()
		e.logger.Info("claimed %s (task %s) by %s on attempt %d", item.ID, item.TaskID, claimer.GUID, attempts)
		return &ClaimResult{Item: item}, nil
	}
}

// consume acknowledges and hard-deletes a fetched message so it is gone for
// every consumer, not just this one.
func (e *Engine) consume(ctx context.Context, stream string, msg substrate.Msg) {
	if err := msg.Ack(); err != nil {
		e.logger.Warn("ack on %s seq %d: %v", stream, msg.StreamSequence(), err)
	}
	if err := e.sub.DeleteMsg(ctx, stream, msg.StreamSequence()); err != nil && !errors.Is(err, substrate.ErrNotFound) {
		e.logger.Warn("delete on %s seq %d: %v", stream, msg.StreamSequence(), err)
	}
}

// ListFilter narrows a non-destructive listing. Nil time bounds and zero
// priorities match everything.
type ListFilter struct {
	MinPriority    int
	MaxPriority    int
	DeadlineBefore *time.Time
	DeadlineAfter  *time.Time
	Limit          int
}

func (f *ListFilter) matches(item *WorkItem) bool {
	if f.MinPriority > 0 && item.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority > 0 && item.Priority > f.MaxPriority {
		return false
	}
	if f.DeadlineBefore != nil && (item.Deadline == nil || !item.Deadline.Before(*f.DeadlineBefore)) {
		return false
	}
	if f.DeadlineAfter != nil && (item.Deadline == nil || !item.Deadline.After(*f.DeadlineAfter)) {
		return false
	}
	return true
}

// ListResult is a non-destructive snapshot of pending work. Total is capped
// at the read limit; Truncated reports that more matches remained.
type ListResult struct {
	Items     []*WorkItem `json:"items"`
	Total     int         `json:"total"`
	Truncated bool        `json:"truncated"`
}

// List reads pending items by sequence range without consuming anything.
func (e *Engine) List(ctx context.Context, capability string, filter *ListFilter) (*ListResult, error) {
	if strings.TrimSpace(capability) == "" {
		return nil, substrate.Validationf("capability must be non-empty")
	}
	if filter == nil {
		filter = &ListFilter{}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	stream := CapabilityStream(capability)
	info, err := e.sub.StreamInfo(ctx, stream)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return &ListResult{Items: []*WorkItem{}}, nil
		}
		return nil, err
	}

	result := &ListResult{Items: []*WorkItem{}}
	if info.Messages == 0 {
		return result, nil
	}

	msgs, err := e.sub.ReadByRange(ctx, stream, info.FirstSeq, info.LastSeq)
	if err != nil {
		return nil, err
	}
	for _, raw := range msgs {
		item, err := parseWorkItem(raw.Data)
		if err != nil {
			e.logger.Warn("skipping unparseable work item at seq %d: %v", raw.Sequence, err)
			continue
		}
		if !filter.matches(item) {
			continue
		}
		if len(result.Items) >= limit {
			result.Truncated = true
			break
		}
		result.Items = append(result.Items, item)
	}
	result.Total = len(result.Items)
	return result, nil
}

// QueueInfo is one queue's stream metrics.
type QueueInfo struct {
	Capability string `json:"capability"`
	Stream     string `json:"stream"`
	Messages   uint64 `json:"messages"`
	Bytes      uint64 `json:"bytes"`
	FirstSeq   uint64 `json:"firstSeq"`
	LastSeq    uint64 `json:"lastSeq"`
}

// Status reports one capability queue, or, with an empty capability, every
// work-queue stream holding messages, sorted by message count descending.
func (e *Engine) Status(ctx context.Context, capability string) ([]*QueueInfo, error) {
	if capability != "" {
		stream := CapabilityStream(capability)
		info, err := e.sub.StreamInfo(ctx, stream)
		if err != nil {
			if errors.Is(err, substrate.ErrNotFound) {
				return []*QueueInfo{}, nil
			}
			return nil, err
		}
		return []*QueueInfo{queueInfo(capability, stream, info)}, nil
	}

	names, err := e.sub.StreamNames(ctx)
	if err != nil {
		return nil, err
	}

	var out []*QueueInfo
	for _, name := range names {
		if !strings.HasPrefix(name, config.WorkQueuePrefix) {
			continue
		}
		info, err := e.sub.StreamInfo(ctx, name)
		if err != nil {
			e.logger.Warn("stream info for %s: %v", name, err)
			continue
		}
		if info.Messages == 0 {
			continue
		}
		capability := strings.ToLower(strings.TrimPrefix(name, config.WorkQueuePrefix))
		out = append(out, queueInfo(capability, name, info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Messages > out[j].Messages })
	return out, nil
}

func queueInfo(capability, stream string, info *substrate.StreamInfo) *QueueInfo {
	return &QueueInfo{
		Capability: capability,
		Stream:     stream,
		Messages:   info.Messages,
		Bytes:      info.Bytes,
		FirstSeq:   info.FirstSeq,
		LastSeq:    info.LastSeq,
	}
}
