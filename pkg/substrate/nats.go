package substrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"loom/pkg/logx"
)

// Connection tuning. Runtime reconnects are unlimited; the startup budget is
// enforced in Connect.
const (
	reconnectWait    = 1 * time.Second
	connectTimeout   = 10 * time.Second
	startupAttempts  = 10
	startupBackoff   = 1 * time.Second
	maxBackoff       = 60 * time.Second
	kvDefaultHistory = 1
)

// JetStreamConn implements Conn against a NATS JetStream server.
type JetStreamConn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *logx.Logger
}

// Connect dials the substrate with the startup retry budget: exponential
// backoff from 1s capped at 60s, ten attempts. Once connected, the client
// reconnects forever on its own.
func Connect(ctx context.Context, url string) (*JetStreamConn, error) {
	logger := logx.NewLogger("substrate")

	var nc *nats.Conn
	var err error
	backoff := startupBackoff
	for attempt := 1; attempt <= startupAttempts; attempt++ {
		nc, err = nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(reconnectWait),
			nats.Timeout(connectTimeout),
			nats.DisconnectErrHandler(func(_ *nats.Conn, derr error) {
				if derr != nil {
					logger.Warn("disconnected: %v", derr)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("reconnected to %s", c.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		if attempt == startupAttempts {
			return nil, fmt.Errorf("%w: connect %s after %d attempts: %v", ErrConnection, url, attempt, err)
		}
		logger.Warn("connect attempt %d/%d failed: %v (retrying in %s)", attempt, startupAttempts, err, backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream init: %v", ErrConnection, err)
	}

	logger.Info("connected to %s", url)
	return &JetStreamConn{nc: nc, js: js, logger: logger}, nil
}

func (c *JetStreamConn) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	_, err := c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   cfg.MaxMsgs,
		MaxBytes:  cfg.MaxBytes,
		MaxAge:    cfg.MaxAge,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
	})
	if err == nil {
		return nil
	}
	// An existing stream with any configuration is success; never reconfigure.
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) || strings.Contains(err.Error(), "already in use") {
		return nil
	}
	return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
}

func (c *JetStreamConn) Publish(ctx context.Context, subject string, data []byte) (*PubAck, error) {
	ack, err := c.js.Publish(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("%w: subject %s: %v", ErrPublish, subject, err)
	}
	return &PubAck{Stream: ack.Stream, Sequence: ack.Sequence}, nil
}

func (c *JetStreamConn) ReadByRange(ctx context.Context, stream string, from, to uint64) ([]StoredMsg, error) {
	s, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, NotFoundf("stream %s", stream)
		}
		return nil, fmt.Errorf("open stream %s: %w", stream, err)
	}

	msgs := make([]StoredMsg, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		raw, err := s.GetMsg(ctx, seq)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue // deleted or expired; gaps are expected
			}
			c.logger.Warn("read %s seq %d: %v (skipping)", stream, seq, err)
			continue
		}
		msgs = append(msgs, StoredMsg{Sequence: raw.Sequence, Subject: raw.Subject, Data: raw.Data})
	}
	return msgs, nil
}

func (c *JetStreamConn) StreamInfo(ctx context.Context, stream string) (*StreamInfo, error) {
	s, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, NotFoundf("stream %s", stream)
		}
		return nil, fmt.Errorf("open stream %s: %w", stream, err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", stream, err)
	}
	return &StreamInfo{
		Messages: info.State.Msgs,
		Bytes:    info.State.Bytes,
		FirstSeq: info.State.FirstSeq,
		LastSeq:  info.State.LastSeq,
	}, nil
}

func (c *JetStreamConn) StreamNames(ctx context.Context) ([]string, error) {
	var names []string
	lister := c.js.StreamNames(ctx)
	for name := range lister.Name() {
		names = append(names, name)
	}
	if err := lister.Err(); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return names, nil
}

func (c *JetStreamConn) EnsureConsumer(ctx context.Context, stream, name string, ackWait time.Duration, maxDeliver int) error {
	s, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return NotFoundf("stream %s", stream)
		}
		return fmt.Errorf("open stream %s: %w", stream, err)
	}
	_, err = s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    name,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    ackWait,
		MaxDeliver: maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s on %s: %w", name, stream, err)
	}
	return nil
}

func (c *JetStreamConn) Fetch(ctx context.Context, stream, consumer string, maxMessages int, wait time.Duration) ([]Msg, error) {
	s, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, NotFoundf("stream %s", stream)
		}
		return nil, fmt.Errorf("open stream %s: %w", stream, err)
	}
	cons, err := s.Consumer(ctx, consumer)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, NotFoundf("consumer %s on %s", consumer, stream)
		}
		return nil, fmt.Errorf("open consumer %s on %s: %w", consumer, stream, err)
	}

	batch, err := cons.Fetch(maxMessages, jetstream.FetchMaxWait(wait))
	if err != nil {
		// Timeouts and empty queues are normal outcomes, not failures.
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch from %s/%s: %w", stream, consumer, err)
	}

	var msgs []Msg
	for m := range batch.Messages() {
		msgs = append(msgs, &jsMsg{m: m})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		c.logger.Warn("fetch batch from %s/%s ended with: %v", stream, consumer, err)
	}
	return msgs, nil
}

func (c *JetStreamConn) DeleteMsg(ctx context.Context, stream string, seq uint64) error {
	s, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return NotFoundf("stream %s", stream)
		}
		return fmt.Errorf("open stream %s: %w", stream, err)
	}
	if err := s.DeleteMsg(ctx, seq); err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return NotFoundf("message %d in %s", seq, stream)
		}
		return fmt.Errorf("delete %s seq %d: %w", stream, seq, err)
	}
	return nil
}

func (c *JetStreamConn) KeyValue(ctx context.Context, bucket string) (KV, error) {
	kv, err := c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: kvDefaultHistory,
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = c.js.KeyValue(ctx, bucket)
		}
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
		}
	}
	return &jsKV{kv: kv}, nil
}

// Drain flushes pending publishes then closes; consumer iterators observe
// end-of-stream and exit.
func (c *JetStreamConn) Drain() error {
	if err := c.nc.Drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

// jsMsg adapts jetstream.Msg to the adapter Msg interface.
type jsMsg struct {
	m jetstream.Msg
}

func (m *jsMsg) Data() []byte {
	return m.m.Data()
}

func (m *jsMsg) Subject() string {
	return m.m.Subject()
}

func (m *jsMsg) NumDelivered() uint64 {
	meta, err := m.m.Metadata()
	if err != nil || meta == nil {
		return 1
	}
	return meta.NumDelivered
}

func (m *jsMsg) StreamSequence() uint64 {
	meta, err := m.m.Metadata()
	if err != nil || meta == nil {
		return 0
	}
	return meta.Sequence.Stream
}

func (m *jsMsg) Ack() error {
	return m.m.Ack()
}

func (m *jsMsg) Nak() error {
	return m.m.Nak()
}

// jsKV adapts jetstream.KeyValue to the adapter KV interface.
type jsKV struct {
	kv jetstream.KeyValue
}

func (k *jsKV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, NotFoundf("key %s", key)
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (k *jsKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := k.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (k *jsKV) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return NotFoundf("key %s", key)
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (k *jsKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := k.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

func (k *jsKV) Watch(ctx context.Context) (KVWatcher, error) {
	w, err := k.kv.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	out := make(chan KVEntry, 64)
	go func() {
		defer close(out)
		for entry := range w.Updates() {
			if entry == nil {
				continue // end of initial replay marker
			}
			out <- KVEntry{
				Key:     entry.Key(),
				Value:   entry.Value(),
				Deleted: entry.Operation() != jetstream.KeyValuePut,
			}
		}
	}()
	return &jsWatcher{w: w, out: out}, nil
}

type jsWatcher struct {
	w   jetstream.KeyWatcher
	out chan KVEntry
}

func (w *jsWatcher) Updates() <-chan KVEntry {
	return w.out
}

func (w *jsWatcher) Stop() error {
	return w.w.Stop()
}
