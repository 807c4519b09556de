// Package substrate wraps the durable messaging system behind a minimal
// surface: append-only streams, durable consumers with explicit
// acknowledgement, last-writer-wins KV buckets, and subject publishing.
// The inbox, work queue and channel engines all share this one storage story
// with different retention and consumer disciplines.
package substrate

import (
	"context"
	"time"
)

// StreamConfig describes a bounded stream. Zero limits mean unlimited.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxMsgs  int64
	MaxBytes int64
	MaxAge   time.Duration
}

// StreamInfo reports the observable state of a stream.
type StreamInfo struct {
	Messages uint64
	Bytes    uint64
	FirstSeq uint64
	LastSeq  uint64
}

// PubAck identifies where a published message landed.
type PubAck struct {
	Stream   string
	Sequence uint64
}

// StoredMsg is a message read directly by sequence, outside any consumer.
type StoredMsg struct {
	Sequence uint64
	Subject  string
	Data     []byte
}

// Msg is a message delivered through a durable consumer. Ack removes it from
// the consumer's pending set; Nak schedules redelivery.
type Msg interface {
	Data() []byte
	Subject() string
	// NumDelivered counts deliveries of this message, including this one.
	NumDelivered() uint64
	// StreamSequence is the message's sequence in its stream.
	StreamSequence() uint64
	Ack() error
	Nak() error
}

// KVEntry is one update observed by a KV watcher.
type KVEntry struct {
	Key     string
	Value   []byte
	Deleted bool
}

// KVWatcher streams bucket updates until stopped.
type KVWatcher interface {
	Updates() <-chan KVEntry
	Stop() error
}

// KV is a last-writer-wins string-to-bytes bucket.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Watch(ctx context.Context) (KVWatcher, error)
}

// Conn is the full adapter surface. Implementations: the JetStream client
// and the in-memory fake used by tests.
type Conn interface {
	// EnsureStream creates the stream if absent. A stream that already
	// exists with any configuration counts as success; the adapter never
	// reconfigures.
	EnsureStream(ctx context.Context, cfg StreamConfig) error

	// Publish appends to whichever stream owns the subject.
	Publish(ctx context.Context, subject string, data []byte) (*PubAck, error)

	// ReadByRange reads the inclusive sequence range, skipping gaps left by
	// deleted or expired messages.
	ReadByRange(ctx context.Context, stream string, from, to uint64) ([]StoredMsg, error)

	// StreamInfo fails with ErrNotFound for unknown streams.
	StreamInfo(ctx context.Context, stream string) (*StreamInfo, error)

	// StreamNames lists every stream on the substrate.
	StreamNames(ctx context.Context) ([]string, error)

	// EnsureConsumer creates or refreshes a durable consumer with explicit
	// acknowledgement.
	EnsureConsumer(ctx context.Context, stream, name string, ackWait time.Duration, maxDeliver int) error

	// Fetch pulls up to maxMessages from a durable consumer, waiting at most
	// wait. An empty result is normal; the consumer keeps its position.
	Fetch(ctx context.Context, stream, consumer string, maxMessages int, wait time.Duration) ([]Msg, error)

	// DeleteMsg removes a single message by sequence.
	DeleteMsg(ctx context.Context, stream string, seq uint64) error

	// KeyValue opens the named bucket, creating it if needed.
	KeyValue(ctx context.Context, bucket string) (KV, error)

	// Drain flushes pending publishes and closes the connection.
	Drain() error
}
