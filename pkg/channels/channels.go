// Package channels implements named broadcast topics: bounded, re-readable
// streams any agent can publish to and any agent can read from. Reads are
// non-destructive and windowed from the newest message backwards.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/pkg/config"
	"loom/pkg/logx"
	"loom/pkg/metrics"
	"loom/pkg/substrate"
)

// MaxMessageSize bounds one channel message's content.
const MaxMessageSize = 1 << 20 // 1 MiB

// Read batch bounds.
const (
	DefaultReadLimit = 50
	MaxReadLimit     = 1000
)

// Message is the wire payload of one channel message.
type Message struct {
	Handle    string    `json:"handle"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamName maps a channel to its stream: namespace uppercased, then the
// channel name uppercased with dashes as underscores.
func StreamName(namespace, channel string) string {
	upper := strings.ToUpper(strings.ReplaceAll(channel, "-", "_"))
	return strings.ToUpper(namespace) + "_" + upper
}

// Subject is the publish subject for a channel.
func Subject(namespace, channel string) string {
	return namespace + "." + channel
}

// Service owns the configured channel set for one namespace.
type Service struct {
	sub       substrate.Conn
	namespace string
	channels  map[string]config.ChannelDescriptor
	order     []string
	logger    *logx.Logger
}

func NewService(sub substrate.Conn, namespace string, descriptors []config.ChannelDescriptor) *Service {
	s := &Service{
		sub:       sub,
		namespace: namespace,
		channels:  make(map[string]config.ChannelDescriptor, len(descriptors)),
		logger:    logx.NewLogger("channels"),
	}
	for _, d := range descriptors {
		if _, dup := s.channels[d.Name]; dup {
			continue
		}
		s.channels[d.Name] = d
		s.order = append(s.order, d.Name)
	}
	return s
}

// List returns the configured descriptors in declaration order.
func (s *Service) List() []config.ChannelDescriptor {
	out := make([]config.ChannelDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.channels[name])
	}
	return out
}

func (s *Service) descriptor(channel string) (config.ChannelDescriptor, error) {
	d, ok := s.channels[channel]
	if !ok {
		return config.ChannelDescriptor{}, substrate.NotFoundf("channel %q is not configured", channel)
	}
	return d, nil
}

func (s *Service) ensure(ctx context.Context, d config.ChannelDescriptor) error {
	return s.sub.EnsureStream(ctx, substrate.StreamConfig{
		Name:     StreamName(s.namespace, d.Name),
		Subjects: []string{Subject(s.namespace, d.Name)},
		MaxMsgs:  d.MaxMessages,
		MaxBytes: d.MaxBytes,
		MaxAge:   d.MaxAge.Std(),
	})
}

// EnsureAll creates every configured channel stream. Called once at startup;
// idempotent.
func (s *Service) EnsureAll(ctx context.Context) error {
	for _, name := range s.order {
		if err := s.ensure(ctx, s.channels[name]); err != nil {
			return fmt.Errorf("ensure channel %s: %w", name, err)
		}
		s.logger.Debug("channel %s ready (stream %s)", name, StreamName(s.namespace, name))
	}
	return nil
}

// Send publishes one message to a configured channel.
func (s *Service) Send(ctx context.Context, channel, handle, message string) (*Message, error) {
	d, err := s.descriptor(channel)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(handle) == "" {
		return nil, substrate.Validationf("handle must be set before sending; call handle_set first")
	}
	if strings.TrimSpace(message) == "" {
		return nil, substrate.Validationf("message must be non-empty")
	}
	if len(message) > MaxMessageSize {
		return nil, substrate.Validationf("message exceeds %d bytes", MaxMessageSize)
	}

	msg := &Message{Handle: handle, Message: message, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal channel message: %w", err)
	}

	if err := s.ensure(ctx, d); err != nil {
		return nil, err
	}
	if _, err := s.sub.Publish(ctx, Subject(s.namespace, channel), data); err != nil {
		return nil, err
	}

	metrics.ChannelMessagesSent.WithLabelValues(channel).Inc()
	s.logger.Debug("sent to %s as %s (%d bytes)", channel, handle, len(message))
	return msg, nil
}

// Read returns up to limit messages ending offset messages before the
// newest, in ascending sequence order. The window never reaches below the
// stream's first retained sequence; gaps from retention are skipped.
func (s *Service) Read(ctx context.Context, channel string, limit, offset int) ([]*Message, error) {
	if _, err := s.descriptor(channel); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}
	if offset < 0 {
		return nil, substrate.Validationf("offset must be non-negative, got %d", offset)
	}

	stream := StreamName(s.namespace, channel)
	info, err := s.sub.StreamInfo(ctx, stream)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return []*Message{}, nil
		}
		return nil, err
	}
	if info.Messages == 0 {
		return []*Message{}, nil
	}

	endSeq := info.FirstSeq
	if uint64(offset) < info.LastSeq {
		if candidate := info.LastSeq - uint64(offset); candidate > endSeq {
			endSeq = candidate
		}
	}
	startSeq := info.FirstSeq
	if endSeq >= uint64(limit) && endSeq-uint64(limit)+1 > info.FirstSeq {
		startSeq = endSeq - uint64(limit) + 1
	}

	raw, err := s.sub.ReadByRange(ctx, stream, startSeq, endSeq)
	if err != nil {
		return nil, err
	}

	out := make([]*Message, 0, len(raw))
	for _, m := range raw {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			s.logger.Warn("skipping unparseable message in %s at seq %d: %v", channel, m.Sequence, err)
			continue
		}
		out = append(out, &msg)
	}
	metrics.ChannelMessagesRead.WithLabelValues(channel).Add(float64(len(out)))
	return out, nil
}

// Info is one channel's stream metrics.
type Info struct {
	Channel  string `json:"channel"`
	Stream   string `json:"stream"`
	Messages uint64 `json:"messages"`
	Bytes    uint64 `json:"bytes"`
	FirstSeq uint64 `json:"firstSeq"`
	LastSeq  uint64 `json:"lastSeq"`
}

// Status reports one channel, or all configured channels when channel is
// empty. Channels whose stream does not exist yet report zeros.
func (s *Service) Status(ctx context.Context, channel string) ([]*Info, error) {
	names := s.order
	if channel != "" {
		if _, err := s.descriptor(channel); err != nil {
			return nil, err
		}
		names = []string{channel}
	}

	out := make([]*Info, 0, len(names))
	for _, name := range names {
		stream := StreamName(s.namespace, name)
		entry := &Info{Channel: name, Stream: stream}
		info, err := s.sub.StreamInfo(ctx, stream)
		switch {
		case err == nil:
			entry.Messages = info.Messages
			entry.Bytes = info.Bytes
			entry.FirstSeq = info.FirstSeq
			entry.LastSeq = info.LastSeq
		case errors.Is(err, substrate.ErrNotFound):
			// Not created yet; zeros are the honest answer.
		default:
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
