package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"loom/pkg/config"
	"loom/pkg/metrics"
	"loom/pkg/registry"
	"loom/pkg/substrate"
)

func (e *Engine) ensureDLQ(ctx context.Context) error {
	return e.sub.EnsureStream(ctx, substrate.StreamConfig{
		Name:     config.DLQStreamName,
		Subjects: []string{config.DLQSubject},
		MaxAge:   e.cfg.DeadLetterTTL.Std(),
	})
}

// deadLetter publishes the terminal record for an exhausted work item. The
// caller removes the original only after this succeeds.
func (e *Engine) deadLetter(ctx context.Context, item *WorkItem, reason string, attempts int, errs []string) error {
	dead := &DLQItem{
		ID:       item.ID,
		WorkItem: item,
		Reason:   reason,
		Attempts: attempts,
		FailedAt: e.clock(),
		Errors:   errs,
	}
	data, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", item.ID, err)
	}
	if err := e.ensureDLQ(ctx); err != nil {
		return err
	}
	_, err = e.sub.Publish(ctx, config.DLQSubject, data)
	return err
}

// DLQListResult is one page of dead letters in stream order.
type DLQListResult struct {
	Items     []*DLQItem `json:"items"`
	Total     int        `json:"total"`
	Truncated bool       `json:"truncated"`
}

// ListDeadLetters returns dead letters, optionally restricted to one
// capability. Non-destructive.
func (e *Engine) ListDeadLetters(ctx context.Context, capability string, limit int) (*DLQListResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	result := &DLQListResult{Items: []*DLQItem{}}
	info, err := e.sub.StreamInfo(ctx, config.DLQStreamName)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return result, nil
		}
		return nil, err
	}
	if info.Messages == 0 {
		return result, nil
	}

	msgs, err := e.sub.ReadByRange(ctx, config.DLQStreamName, info.FirstSeq, info.LastSeq)
	if err != nil {
		return nil, err
	}
	for _, raw := range msgs {
		item, err := parseDLQItem(raw.Data)
		if err != nil {
			e.logger.Warn("skipping unparseable dead letter at seq %d: %v", raw.Sequence, err)
			continue
		}
		if capability != "" && (item.WorkItem == nil || item.WorkItem.Capability != capability) {
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

// findDeadLetter locates a dead letter by id, returning it with its stream
// sequence.
func (e *Engine) findDeadLetter(ctx context.Context, itemID string) (*DLQItem, uint64, error) {
	info, err := e.sub.StreamInfo(ctx, config.DLQStreamName)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return nil, 0, substrate.NotFoundf("dead letter %s", itemID)
		}
		return nil, 0, err
	}

	msgs, err := e.sub.ReadByRange(ctx, config.DLQStreamName, info.FirstSeq, info.LastSeq)
	if err != nil {
		return nil, 0, err
	}
	for _, raw := range msgs {
		item, err := parseDLQItem(raw.Data)
		if err != nil {
			continue
		}
		if item.ID == itemID {
			return item, raw.Sequence, nil
		}
	}
	return nil, 0, substrate.NotFoundf("dead letter %s", itemID)
}

// RetryDeadLetter republishes a dead letter's work item onto its capability
// queue and removes it from the DLQ. With resetAttempts the item re-enters
// with a clean slate; otherwise the recorded attempt count is preserved.
func (e *Engine) RetryDeadLetter(ctx context.Context, itemID string, resetAttempts bool) (*WorkItem, error) {
	if !registry.IsUUIDv4(itemID) {
		return nil, substrate.Validationf("itemId must be a UUID v4, got %q", itemID)
	}

	dead, seq, err := e.findDeadLetter(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if dead.WorkItem == nil || strings.TrimSpace(dead.WorkItem.Capability) == "" {
		return nil, substrate.Validationf("dead letter %s carries no retryable work item", itemID)
	}

	item := *dead.WorkItem
	if resetAttempts {
		item.Attempts = 0
	} else {
		item.Attempts = dead.Attempts
	}

	if err := e.ensureQueue(ctx, item.Capability); err != nil {
		return nil, err
	}
	data, err := marshalItem(&item)
	if err != nil {
		return nil, err
	}
	if _, err := e.sub.Publish(ctx, CapabilitySubject(item.Capability), data); err != nil {
		return nil, err
	}
	if err := e.sub.DeleteMsg(ctx, config.DLQStreamName, seq); err != nil && !errors.Is(err, substrate.ErrNotFound) {
		e.logger.Warn("remove retried dead letter %s: %v", itemID, err)
	}

	metrics.DLQRetried.Inc()
	e.logger.Info("retried dead letter %s onto %s (attempts=%d)", itemID, CapabilityStream(item.Capability), item.Attempts)
	return &item, nil
}

// DiscardDeadLetter permanently removes a dead letter.
func (e *Engine) DiscardDeadLetter(ctx context.Context, itemID string) error {
	if !registry.IsUUIDv4(itemID) {
		return substrate.Validationf("itemId must be a UUID v4, got %q", itemID)
	}

	_, seq, err := e.findDeadLetter(ctx, itemID)
	if err != nil {
		return err
	}
	if err := e.sub.DeleteMsg(ctx, config.DLQStreamName, seq); err != nil && !errors.Is(err, substrate.ErrNotFound) {
		return err
	}
	metrics.DLQDiscarded.Inc()
	e.logger.Info("discarded dead letter %s", itemID)
	return nil
}
