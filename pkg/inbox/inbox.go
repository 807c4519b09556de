// Package inbox gives every agent a durable personal mailbox with
// consume-once reads. Delivery does not depend on the recipient being
// online; messages wait in the recipient's stream until read or evicted by
// retention.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// ConsumerName is the durable consumer each agent uses on its own inbox.
const ConsumerName = "reader"

// Read batch bounds.
const (
	DefaultReadLimit = 10
	MaxReadLimit     = 100
	DefaultReadWait  = 2 * time.Second
)

// ContinuationToken signals that more messages remain after a read. The
// inbox is consume-once, so there is no positional cursor; callers just
// read again.
const ContinuationToken = "continue"

// Message is one direct message as stored on the wire.
type Message struct {
	ID            string         `json:"id"`
	SenderGUID    string         `json:"senderGuid"`
	SenderHandle  string         `json:"senderHandle"`
	RecipientGUID string         `json:"recipientGuid"`
	MessageType   string         `json:"messageType"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// SendReceipt is what the sender gets back: the generated message id and
// the recipient's advertised status at send time. The status is advisory;
// delivery is durable either way.
type SendReceipt struct {
	MessageID       string          `json:"messageId"`
	RecipientStatus registry.Status `json:"recipientStatus"`
}

// ReadOptions narrow and bound a ReadDirect call. Zero-value filters match
// everything.
type ReadOptions struct {
	SenderGUID  string
	MessageType string
	Limit       int
	Wait        time.Duration
}

// ReadResult is one consumed batch, sorted by timestamp ascending.
type ReadResult struct {
	Messages     []*Message `json:"messages"`
	HasMore      bool       `json:"hasMore"`
	Continuation string     `json:"continuation,omitempty"`
}

// StreamName returns the inbox stream for a GUID. Stream names cannot carry
// dashes, so the GUID's dashes become underscores.
func StreamName(guid string) string {
	return config.InboxPrefix + strings.ReplaceAll(guid, "-", "_")
}

// Subject returns the inbox subject for a GUID.
func Subject(guid string) string {
	return config.InboxSubjectPrefix + guid
}

// Service sends and reads direct messages.
type Service struct {
	sub    substrate.Conn
	store  *registry.Store
	cfg    config.WorkQueueConfig
	logger *logx.Logger
}

func NewService(sub substrate.Conn, store *registry.Store, cfg config.WorkQueueConfig) *Service {
	return &Service{
		sub:    sub,
		store:  store,
		cfg:    cfg,
		logger: logx.NewLogger("inbox"),
	}
}

func (s *Service) ensureInbox(ctx context.Context, guid string) error {
	return s.sub.EnsureStream(ctx, substrate.StreamConfig{
		Name:     StreamName(guid),
		Subjects: []string{Subject(guid)},
		MaxMsgs:  config.InboxMaxMessages,
		MaxAge:   config.InboxMaxAge.Std(),
	})
}

// Provision creates the agent's inbox stream and reader consumer so the
// mailbox can accept deliveries before the first send or read touches it.
func (s *Service) Provision(ctx context.Context, guid string) error {
	if !registry.IsUUIDv4(guid) {
		return substrate.Validationf("agent guid must be a UUID v4, got %q", guid)
	}
	if err := s.ensureInbox(ctx, guid); err != nil {
		return err
	}
	return s.sub.EnsureConsumer(ctx, StreamName(guid), ConsumerName, s.cfg.AckTimeout.Std(), s.cfg.MaxDeliveryAttempts)
}

// SendDirect publishes a message to the recipient's inbox. The sender must
// be registered; the recipient GUID must be a UUID v4 naming an existing
// entry.
func (s *Service) SendDirect(ctx context.Context, sender *registry.Entry, recipientGUID, messageType, content string, metadata map[string]any) (*SendReceipt, error) {
	if sender == nil {
		return nil, substrate.Validationf("sender is not registered; call register first")
	}
	if !registry.IsUUIDv4(recipientGUID) {
		return nil, substrate.Validationf("recipient guid must be a UUID v4, got %q", recipientGUID)
	}
	if strings.TrimSpace(messageType) == "" {
		return nil, substrate.Validationf("messageType must be non-empty")
	}
	if strings.TrimSpace(content) == "" {
		return nil, substrate.Validationf("content must be non-empty")
	}

	recipient, err := s.store.Get(ctx, recipientGUID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:            uuid.NewString(),
		SenderGUID:    sender.GUID,
		SenderHandle:  sender.Handle,
		RecipientGUID: recipientGUID,
		MessageType:   messageType,
		Content:       content,
		Metadata:      metadata,
		Timestamp:     time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	if err := s.ensureInbox(ctx, recipientGUID); err != nil {
		return nil, err
	}
	if _, err := s.sub.Publish(ctx, Subject(recipientGUID), data); err != nil {
		return nil, err
	}

	metrics.DirectMessagesSent.Inc()
	s.logger.Debug("sent %s (%s) from %s to %s", msg.ID, messageType, sender.GUID, recipientGUID)
	return &SendReceipt{MessageID: msg.ID, RecipientStatus: recipient.Status}, nil
}

// ReadDirect consumes up to opts.Limit messages from the agent's own inbox.
// Everything fetched within the limit is acknowledged, including messages
// the filters drop and payloads that fail to parse: the inbox is
// consume-once and a skipped message never comes back. One extra message is
// fetched to decide hasMore; that extra is negatively acknowledged so it is
// redelivered on the next read.
func (s *Service) ReadDirect(ctx context.Context, agentGUID string, opts ReadOptions) (*ReadResult, error) {
	if !registry.IsUUIDv4(agentGUID) {
		return nil, substrate.Validationf("agent guid must be a UUID v4, got %q", agentGUID)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}
	wait := opts.Wait
	if wait <= 0 {
		wait = DefaultReadWait
	}

	stream := StreamName(agentGUID)
	if err := s.ensureInbox(ctx, agentGUID); err != nil {
		return nil, err
	}
	if err := s.sub.EnsureConsumer(ctx, stream, ConsumerName, s.cfg.AckTimeout.Std(), s.cfg.MaxDeliveryAttempts); err != nil {
		return nil, err
	}

	msgs, err := s.sub.Fetch(ctx, stream, ConsumerName, limit+1, wait)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return emptyResult(), nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return emptyResult(), nil
	}

	hasMore := len(msgs) > limit
	if hasMore {
		// The extra message only answers "is there more"; leave it for the
		// next read.
		if err := msgs[limit].Nak(); err != nil {
			s.logger.Warn("nak overflow message: %v", err)
		}
		msgs = msgs[:limit]
	}

	result := &ReadResult{Messages: []*Message{}}
	for _, raw := range msgs {
		if err := raw.Ack(); err != nil {
			s.logger.Warn("ack inbox message: %v", err)
		}

		var msg Message
		if err := json.Unmarshal(raw.Data(), &msg); err != nil {
			s.logger.Warn("dropping unparseable inbox message at seq %d: %v", raw.StreamSequence(), err)
			continue
		}
		if opts.SenderGUID != "" && msg.SenderGUID != opts.SenderGUID {
			continue
		}
		if opts.MessageType != "" && msg.MessageType != opts.MessageType {
			continue
		}
		result.Messages = append(result.Messages, &msg)
	}

	sort.SliceStable(result.Messages, func(i, j int) bool {
		return result.Messages[i].Timestamp.Before(result.Messages[j].Timestamp)
	})

	if hasMore {
		result.HasMore = true
		result.Continuation = ContinuationToken
	}
	metrics.DirectMessagesRead.Add(float64(len(result.Messages)))
	return result, nil
}

func emptyResult() *ReadResult {
	return &ReadResult{Messages: []*Message{}}
}
