package substrate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Conn for tests. It models the substrate behaviors the
// engine depends on: sequence-addressed streams with count-based eviction,
// durable consumers with explicit ack and redelivery accounting, and
// last-writer-wins buckets with watch support.
type Fake struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	buckets map[string]*fakeBucket

	// PublishErr, when set, fails the next Publish and then clears itself.
	PublishErr error

	// PutErr, when set, fails the next KV Put and then clears itself.
	PutErr error
}

type fakeStream struct {
	cfg       StreamConfig
	msgs      map[uint64]*StoredMsg
	lastSeq   uint64
	consumers map[string]*fakeConsumer
}

type fakeConsumer struct {
	ackWait    time.Duration
	maxDeliver int
	deliveries map[uint64]int
	acked      map[uint64]bool
	inflight   map[uint64]bool
}

func NewFake() *Fake {
	return &Fake{
		streams: make(map[string]*fakeStream),
		buckets: make(map[string]*fakeBucket),
	}
}

func (f *Fake) EnsureStream(_ context.Context, cfg StreamConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.streams[cfg.Name]; exists {
		return nil // existing configuration wins
	}
	f.streams[cfg.Name] = &fakeStream{
		cfg:       cfg,
		msgs:      make(map[uint64]*StoredMsg),
		consumers: make(map[string]*fakeConsumer),
	}
	return nil
}

// HasStream reports whether a stream exists. Test helper.
func (f *Fake) HasStream(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.streams[name]
	return ok
}

func (f *Fake) Publish(_ context.Context, subject string, data []byte) (*PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishErr != nil {
		err := f.PublishErr
		f.PublishErr = nil
		return nil, err
	}

	s := f.streamForSubject(subject)
	if s == nil {
		return nil, NotFoundf("no stream bound to subject %s", subject)
	}

	s.lastSeq++
	buf := make([]byte, len(data))
	copy(buf, data)
	s.msgs[s.lastSeq] = &StoredMsg{Sequence: s.lastSeq, Subject: subject, Data: buf}

	// Count-based eviction, oldest first.
	if s.cfg.MaxMsgs > 0 {
		for int64(len(s.msgs)) > s.cfg.MaxMsgs {
			delete(s.msgs, s.minSeq())
		}
	}

	return &PubAck{Stream: s.cfg.Name, Sequence: s.lastSeq}, nil
}

func (f *Fake) ReadByRange(_ context.Context, stream string, from, to uint64) ([]StoredMsg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[stream]
	if !ok {
		return nil, NotFoundf("stream %s", stream)
	}

	var out []StoredMsg
	for seq := from; seq <= to; seq++ {
		if m, ok := s.msgs[seq]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *Fake) StreamInfo(_ context.Context, stream string) (*StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[stream]
	if !ok {
		return nil, NotFoundf("stream %s", stream)
	}
	return s.info(), nil
}

func (f *Fake) StreamNames(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.streams))
	for name := range f.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fake) EnsureConsumer(_ context.Context, stream, name string, ackWait time.Duration, maxDeliver int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[stream]
	if !ok {
		return NotFoundf("stream %s", stream)
	}
	if _, exists := s.consumers[name]; exists {
		return nil
	}
	s.consumers[name] = &fakeConsumer{
		ackWait:    ackWait,
		maxDeliver: maxDeliver,
		deliveries: make(map[uint64]int),
		acked:      make(map[uint64]bool),
		inflight:   make(map[uint64]bool),
	}
	return nil
}

func (f *Fake) Fetch(_ context.Context, stream, consumer string, maxMessages int, _ time.Duration) ([]Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[stream]
	if !ok {
		return nil, NotFoundf("stream %s", stream)
	}
	c, ok := s.consumers[consumer]
	if !ok {
		return nil, NotFoundf("consumer %s on %s", consumer, stream)
	}

	seqs := make([]uint64, 0, len(s.msgs))
	for seq := range s.msgs {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var out []Msg
	for _, seq := range seqs {
		if len(out) >= maxMessages {
			break
		}
		if c.acked[seq] || c.inflight[seq] {
			continue
		}
		if c.maxDeliver > 0 && c.deliveries[seq] >= c.maxDeliver {
			continue // delivery budget exhausted
		}
		c.deliveries[seq]++
		c.inflight[seq] = true
		out = append(out, &fakeMsg{fake: f, stream: s, consumer: c, seq: seq, msg: *s.msgs[seq]})
	}
	return out, nil
}

func (f *Fake) DeleteMsg(_ context.Context, stream string, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[stream]
	if !ok {
		return NotFoundf("stream %s", stream)
	}
	if _, ok := s.msgs[seq]; !ok {
		return NotFoundf("message %d in %s", seq, stream)
	}
	delete(s.msgs, seq)
	return nil
}

func (f *Fake) KeyValue(_ context.Context, bucket string) (KV, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[bucket]
	if !ok {
		b = &fakeBucket{fake: f, data: make(map[string][]byte)}
		f.buckets[bucket] = b
	}
	return b, nil
}

func (f *Fake) takePutErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.PutErr
	f.PutErr = nil
	return err
}

func (f *Fake) Drain() error {
	return nil
}

func (f *Fake) streamForSubject(subject string) *fakeStream {
	for _, s := range f.streams {
		for _, pattern := range s.cfg.Subjects {
			if subjectMatches(pattern, subject) {
				return s
			}
		}
	}
	return nil
}

func (s *fakeStream) minSeq() uint64 {
	var min uint64
	for seq := range s.msgs {
		if min == 0 || seq < min {
			min = seq
		}
	}
	return min
}

func (s *fakeStream) info() *StreamInfo {
	info := &StreamInfo{
		Messages: uint64(len(s.msgs)),
		LastSeq:  s.lastSeq,
	}
	if len(s.msgs) == 0 {
		info.FirstSeq = s.lastSeq + 1
	} else {
		info.FirstSeq = s.minSeq()
	}
	for _, m := range s.msgs {
		info.Bytes += uint64(len(m.Data))
	}
	return info
}

// subjectMatches implements NATS subject matching: "*" matches one token,
// ">" matches the rest.
func subjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")

	for i, tok := range p {
		if tok == ">" {
			return true
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}

type fakeMsg struct {
	fake     *Fake
	stream   *fakeStream
	consumer *fakeConsumer
	seq      uint64
	msg      StoredMsg
}

func (m *fakeMsg) Data() []byte {
	return m.msg.Data
}

func (m *fakeMsg) Subject() string {
	return m.msg.Subject
}

func (m *fakeMsg) NumDelivered() uint64 {
	m.fake.mu.Lock()
	defer m.fake.mu.Unlock()
	return uint64(m.consumer.deliveries[m.seq])
}

func (m *fakeMsg) StreamSequence() uint64 {
	return m.seq
}

func (m *fakeMsg) Ack() error {
	m.fake.mu.Lock()
	defer m.fake.mu.Unlock()
	m.consumer.acked[m.seq] = true
	m.consumer.inflight[m.seq] = false
	return nil
}

func (m *fakeMsg) Nak() error {
	m.fake.mu.Lock()
	defer m.fake.mu.Unlock()
	m.consumer.inflight[m.seq] = false
	return nil
}

type fakeBucket struct {
	fake     *Fake
	mu       sync.Mutex
	data     map[string][]byte
	watchers []*fakeWatcher
}

func (b *fakeBucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	value, ok := b.data[key]
	if !ok {
		return nil, NotFoundf("key %s", key)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) error {
	if err := b.fake.takePutErr(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	b.data[key] = buf
	b.notify(KVEntry{Key: key, Value: buf})
	return nil
}

func (b *fakeBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.data[key]; !ok {
		return NotFoundf("key %s", key)
	}
	delete(b.data, key)
	b.notify(KVEntry{Key: key, Deleted: true})
	return nil
}

func (b *fakeBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fakeBucket) Watch(_ context.Context) (KVWatcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := &fakeWatcher{bucket: b, ch: make(chan KVEntry, 64)}
	b.watchers = append(b.watchers, w)
	return w, nil
}

func (b *fakeBucket) notify(entry KVEntry) {
	for _, w := range b.watchers {
		select {
		case w.ch <- entry:
		default: // slow watcher, drop
		}
	}
}

type fakeWatcher struct {
	bucket *fakeBucket
	ch     chan KVEntry
	once   sync.Once
}

func (w *fakeWatcher) Updates() <-chan KVEntry {
	return w.ch
}

func (w *fakeWatcher) Stop() error {
	w.once.Do(func() {
		w.bucket.mu.Lock()
		defer w.bucket.mu.Unlock()
		for i, candidate := range w.bucket.watchers {
			if candidate == w {
				w.bucket.watchers = append(w.bucket.watchers[:i], w.bucket.watchers[i+1:]...)
				break
			}
		}
		close(w.ch)
	})
	return nil
}
