package substrate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureStreamIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	cfg := StreamConfig{Name: "WORKQUEUE_GO", Subjects: []string{"global.work.go"}, MaxMsgs: 100}
	require.NoError(t, fake.EnsureStream(ctx, cfg))

	_, err := fake.Publish(ctx, "global.work.go", []byte("one"))
	require.NoError(t, err)

	// Second ensure with a different configuration must not reset state.
	require.NoError(t, fake.EnsureStream(ctx, StreamConfig{Name: "WORKQUEUE_GO", Subjects: []string{"other"}}))

	before, err := fake.StreamInfo(ctx, "WORKQUEUE_GO")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), before.Messages)
}

func TestPublishUnboundSubject(t *testing.T) {
	fake := NewFake()
	_, err := fake.Publish(context.Background(), "nowhere.at.all", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountEvictionMovesFirstSeq(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	require.NoError(t, fake.EnsureStream(ctx, StreamConfig{
		Name: "S", Subjects: []string{"s.chan"}, MaxMsgs: 50,
	}))

	for i := 1; i <= 100; i++ {
		_, err := fake.Publish(ctx, "s.chan", []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	info, err := fake.StreamInfo(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, uint64(51), info.FirstSeq)
	assert.Equal(t, uint64(100), info.LastSeq)
	assert.Equal(t, uint64(50), info.Messages)
}

func TestReadByRangeSkipsGaps(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	require.NoError(t, fake.EnsureStream(ctx, StreamConfig{Name: "S", Subjects: []string{"s.x"}}))

	for i := 0; i < 5; i++ {
		_, err := fake.Publish(ctx, "s.x", []byte{byte('a' + i)})
		require.NoError(t, err)
	}
	require.NoError(t, fake.DeleteMsg(ctx, "S", 3))

	msgs, err := fake.ReadByRange(ctx, "S", 1, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, uint64(1), msgs[0].Sequence)
	assert.Equal(t, uint64(4), msgs[2].Sequence)
}

func TestConsumerDeliveryAccounting(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	require.NoError(t, fake.EnsureStream(ctx, StreamConfig{Name: "Q", Subjects: []string{"q.work"}}))
	require.NoError(t, fake.EnsureConsumer(ctx, "Q", "workers", time.Minute, 3))

	_, err := fake.Publish(ctx, "q.work", []byte("job"))
	require.NoError(t, err)

	msgs, err := fake.Fetch(ctx, "Q", "workers", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(1), msgs[0].NumDelivered())

	// In-flight messages are not redelivered.
	again, err := fake.Fetch(ctx, "Q", "workers", 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Nak makes it deliverable again with an incremented count.
	require.NoError(t, msgs[0].Nak())
	redelivered, err := fake.Fetch(ctx, "Q", "workers", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, uint64(2), redelivered[0].NumDelivered())

	// Ack consumes once; nothing comes back.
	require.NoError(t, redelivered[0].Ack())
	empty, err := fake.Fetch(ctx, "Q", "workers", 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConsumerStopsAtMaxDeliver(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	require.NoError(t, fake.EnsureStream(ctx, StreamConfig{Name: "Q", Subjects: []string{"q.w"}}))
	require.NoError(t, fake.EnsureConsumer(ctx, "Q", "c", time.Minute, 2))

	_, err := fake.Publish(ctx, "q.w", []byte("poison"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msgs, err := fake.Fetch(ctx, "Q", "c", 1, time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NoError(t, msgs[0].Nak())
	}

	msgs, err := fake.Fetch(ctx, "Q", "c", 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs, "delivery budget exhausted")
}

func TestKVBasics(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	kv, err := fake.KeyValue(ctx, "loom-identity-abc")
	require.NoError(t, err)

	_, err = kv.Get(ctx, "root")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Put(ctx, "root", []byte("v1")))
	require.NoError(t, kv.Put(ctx, "root", []byte("v2")))

	got, err := kv.Get(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got, "last writer wins")

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, keys)

	require.NoError(t, kv.Delete(ctx, "root"))
	assert.ErrorIs(t, kv.Delete(ctx, "root"), ErrNotFound)
}

func TestKVWatch(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	kv, err := fake.KeyValue(ctx, "b")
	require.NoError(t, err)

	w, err := kv.Watch(ctx)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, kv.Put(ctx, "k", []byte("v")))
	require.NoError(t, kv.Delete(ctx, "k"))

	first := <-w.Updates()
	assert.Equal(t, "k", first.Key)
	assert.False(t, first.Deleted)

	second := <-w.Updates()
	assert.True(t, second.Deleted)
}

func TestSubjectMatching(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"global.agent.abc", "global.agent.abc", true},
		{"global.agent.*", "global.agent.abc", true},
		{"global.agent.*", "global.agent.abc.extra", false},
		{"global.>", "global.agent.abc.extra", true},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.b", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectMatches(tt.pattern, tt.subject), "%s vs %s", tt.pattern, tt.subject)
	}
}
