package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := NewRedisBusFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), RedisOptions{})
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestNewRedisBus_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisBus(ctx, RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNewRedisBus_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := NewRedisBus(context.Background(), RedisOptions{Addr: mr.Addr(), InboundKey: "in"})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.PublishInbound(context.Background(), NewInbound("t", "chat:1", "hi")))
	assert.True(t, mr.Exists("in"))
}

func TestRedisBus_InboundFIFO(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, b.PublishInbound(ctx, NewInbound("test", "chat:1", content)))
	}

	for _, want := range []string{"one", "two", "three"} {
		msg, err := b.ConsumeInbound(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, msg.Content)
		assert.Equal(t, "chat:1", msg.SessionKey)
	}
}

func TestRedisBus_SkipsGarbage(t *testing.T) {
	b, mr := newTestRedisBus(t)
	ctx := context.Background()

	_, err := mr.Lpush(DefaultInboundKey, "not json")
	require.NoError(t, err)
	_, err = mr.Lpush(DefaultInboundKey, `{"content":"no key"}`)
	require.NoError(t, err)
	require.NoError(t, b.PublishInbound(ctx, NewInbound("test", "chat:1", "valid")))

	msg, err := b.ConsumeInbound(ctx)
	require.NoError(t, err)
	assert.Equal(t, "valid", msg.Content)
}

func TestRedisBus_ConsumeHonoursContext(t *testing.T) {
	b, _ := newTestRedisBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.ConsumeInbound(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisBus_Outbound(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx := context.Background()

	sub, cancel, err := b.SubscribeOutbound(ctx)
	require.NoError(t, err)
	defer cancel()

	reply := NewInbound("test", "chat:1", "q").Reply("a")
	require.NoError(t, b.PublishOutbound(ctx, reply))

	select {
	case got := <-sub:
		assert.Equal(t, reply, got)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive reply")
	}
}

func TestRedisBus_Close(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx := context.Background()

	sub, _, err := b.SubscribeOutbound(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case _, open := <-sub:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed")
	}

	_, err = b.ConsumeInbound(ctx)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, b.PublishInbound(ctx, NewInbound("t", "k", "c")), ErrBusClosed)
}
