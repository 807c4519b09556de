package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/config"
	"loom/pkg/substrate"
)

const testNamespace = "abcdef0123456789"

func testDescriptors() []config.ChannelDescriptor {
	return []config.ChannelDescriptor{
		{Name: "general", Description: "general chat", MaxMessages: 100, MaxBytes: 1 << 20, MaxAge: config.Duration(time.Hour)},
		{Name: "build-status", Description: "build results", MaxMessages: 50, MaxBytes: 1 << 20, MaxAge: config.Duration(time.Hour)},
	}
}

func newTestService(t *testing.T) (*Service, *substrate.Fake) {
	t.Helper()
	fake := substrate.NewFake()
	svc := NewService(fake, testNamespace, testDescriptors())
	require.NoError(t, svc.EnsureAll(context.Background()))
	return svc, fake
}

func TestStreamNaming(t *testing.T) {
	assert.Equal(t, "ABCDEF0123456789_GENERAL", StreamName(testNamespace, "general"))
	assert.Equal(t, "ABCDEF0123456789_BUILD_STATUS", StreamName(testNamespace, "build-status"))
	assert.Equal(t, "abcdef0123456789.general", Subject(testNamespace, "general"))
}

func TestEnsureAllIdempotent(t *testing.T) {
	svc, fake := newTestService(t)
	require.NoError(t, svc.EnsureAll(context.Background()))
	assert.True(t, fake.HasStream("ABCDEF0123456789_GENERAL"))
	assert.True(t, fake.HasStream("ABCDEF0123456789_BUILD_STATUS"))
}

func TestListPreservesDeclarationOrder(t *testing.T) {
	svc, _ := newTestService(t)
	list := svc.List()
	require.Len(t, list, 2)
	assert.Equal(t, "general", list[0].Name)
	assert.Equal(t, "build-status", list[1].Name)
}

func TestSendAndRead(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sent, err := svc.Send(ctx, "general", "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.Handle)
	assert.False(t, sent.Timestamp.IsZero())

	got, err := svc.Read(ctx, "general", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Message)
}

func TestSendValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "no-such-channel", "alice", "hello")
	assert.ErrorIs(t, err, substrate.ErrNotFound)

	_, err = svc.Send(ctx, "general", " ", "hello")
	assert.ErrorIs(t, err, substrate.ErrValidation)

	_, err = svc.Send(ctx, "general", "alice", "  ")
	assert.ErrorIs(t, err, substrate.ErrValidation)

	_, err = svc.Send(ctx, "general", "alice", strings.Repeat("x", MaxMessageSize+1))
	assert.ErrorIs(t, err, substrate.ErrValidation)
}

func TestReadIsNonDestructive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "general", "alice", "hello")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := svc.Read(ctx, "general", 10, 0)
		require.NoError(t, err)
		assert.Len(t, got, 1, "channel reads are re-readable")
	}
}

func TestReadEmptyChannel(t *testing.T) {
	svc, _ := newTestService(t)
	got, err := svc.Read(context.Background(), "general", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// fill publishes n messages so message bodies carry their sequence number.
func fill(t *testing.T, svc *Service, channel string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := svc.Send(context.Background(), channel, "alice", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
}

func TestReadWindowAfterEviction(t *testing.T) {
	// 100 messages through a 50-message stream leaves firstSeq=51,
	// lastSeq=100. A limit-5 read returns sequences 96..100 ascending.
	svc, fake := newTestService(t)
	ctx := context.Background()

	fill(t, svc, "build-status", 100)
	info, err := fake.StreamInfo(ctx, "ABCDEF0123456789_BUILD_STATUS")
	require.NoError(t, err)
	require.Equal(t, uint64(51), info.FirstSeq)
	require.Equal(t, uint64(100), info.LastSeq)

	got, err := svc.Read(ctx, "build-status", 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("m%d", 96+i), msg.Message, "ascending order")
	}
}

func TestReadWindowClampsAtFirstSeq(t *testing.T) {
	// firstSeq=98, lastSeq=100: a limit-10 read returns exactly 98..100.
	svc, fake := newTestService(t)
	ctx := context.Background()

	fill(t, svc, "build-status", 100)
	for seq := uint64(51); seq <= 97; seq++ {
		require.NoError(t, fake.DeleteMsg(ctx, "ABCDEF0123456789_BUILD_STATUS", seq))
	}
	info, err := fake.StreamInfo(ctx, "ABCDEF0123456789_BUILD_STATUS")
	require.NoError(t, err)
	require.Equal(t, uint64(98), info.FirstSeq)

	got, err := svc.Read(ctx, "build-status", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m98", got[0].Message)
	assert.Equal(t, "m100", got[2].Message)
}

func TestReadOffsetStepsBack(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fill(t, svc, "general", 10)

	got, err := svc.Read(ctx, "general", 3, 4)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m4", got[0].Message)
	assert.Equal(t, "m6", got[2].Message)
}

func TestReadSkipsGaps(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	fill(t, svc, "general", 5)
	require.NoError(t, fake.DeleteMsg(ctx, "ABCDEF0123456789_GENERAL", 3))

	got, err := svc.Read(ctx, "general", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "m2", got[1].Message)
	assert.Equal(t, "m4", got[2].Message)
}

func TestReadSkipsUnparseable(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	_, err := fake.Publish(ctx, Subject(testNamespace, "general"), []byte("not json"))
	require.NoError(t, err)
	fill(t, svc, "general", 1)

	got, err := svc.Read(ctx, "general", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Message)
}

func TestReadValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Read(ctx, "no-such-channel", 10, 0)
	assert.ErrorIs(t, err, substrate.ErrNotFound)

	_, err = svc.Read(ctx, "general", 10, -1)
	assert.ErrorIs(t, err, substrate.ErrValidation)
}

func TestStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	fill(t, svc, "general", 3)

	infos, err := svc.Status(ctx, "general")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(3), infos[0].Messages)
	assert.Equal(t, uint64(1), infos[0].FirstSeq)
	assert.Equal(t, uint64(3), infos[0].LastSeq)

	all, err := svc.Status(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = svc.Status(ctx, "no-such-channel")
	assert.ErrorIs(t, err, substrate.ErrNotFound)
}

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{Handle: "alice", Message: "hi", Timestamp: time.Now().UTC().Truncate(time.Millisecond)}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, msg.Handle, back.Handle)
	assert.Equal(t, msg.Message, back.Message)
	assert.True(t, msg.Timestamp.Equal(back.Timestamp))
}
