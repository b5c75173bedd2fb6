package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
)

func TestFixedWindowAllow(t *testing.T) {
	ctx := context.Background()
	fake := newFakeCommands()
	client := &Client{cmds: fake}

	for i, want := range []bool{true, true, false} {
		allowed, count, err := client.FixedWindowAllow(ctx, "bulk:user-1", 2, time.Second)
		require.NoError(t, err)
		require.Equal(t, want, allowed, "hit %d", i+1)
		require.Equal(t, int64(i+1), count)
	}
	require.Equal(t, []string{"ms:rate_limit:bulk:user-1"}, fake.expired, "ttl is only set once per window")
}

func TestFixedWindowAllowSurfacesErrors(t *testing.T) {
	fake := newFakeCommands()
	fake.incrErr = errors.New("connection refused")
	client := &Client{cmds: fake}

	allowed, _, err := client.FixedWindowAllow(context.Background(), "status:u", 5, time.Minute)
	require.Error(t, err)
	require.False(t, allowed)
}

func TestPublishForwardsChannelAndPayload(t *testing.T) {
	fake := newFakeCommands()
	client := &Client{cmds: fake}

	require.NoError(t, client.Publish(context.Background(), "upload:abc", []byte(`{"type":"status"}`)))
	require.Equal(t, []string{`upload:abc={"type":"status"}`}, fake.published)
}

func TestUninitializedClientErrors(t *testing.T) {
	client := &Client{}
	require.ErrorIs(t, client.Publish(context.Background(), "c", nil), errNotInitialized)
	require.ErrorIs(t, client.Ping(context.Background()), errNotInitialized)
	_, err := client.PSubscribe(context.Background(), "upload:*")
	require.Error(t, err)
	require.NoError(t, client.Close())
}

func TestKey(t *testing.T) {
	require.Equal(t, "ms:rate_limit:scope", Key("rate_limit", "scope"))
	require.Equal(t, "ms:a:b", Key("a", " ", "b"))
	require.Equal(t, "ms", Key())
}

func TestOptions(t *testing.T) {
	opts, err := Options(config.RedisConfig{URL: "redis://localhost:6380/2", DB: 5, PoolSize: 7, DialTimeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, "localhost:6380", opts.Addr)
	require.Equal(t, 2, opts.DB, "db from url wins")
	require.Equal(t, 7, opts.PoolSize)
	require.Equal(t, time.Second, opts.DialTimeout)

	opts, err = Options(config.RedisConfig{Address: "cache:6379", DB: 3})
	require.NoError(t, err)
	require.Equal(t, "cache:6379", opts.Addr)
	require.Equal(t, 3, opts.DB)

	_, err = Options(config.RedisConfig{})
	require.Error(t, err)
}

func TestSubscriptionRelaysUntilClosed(t *testing.T) {
	in := make(chan *redis.Message, 1)
	closed := 0
	sub := newSubscription(in, func() error { closed++; return nil })

	in <- &redis.Message{Channel: "upload:1", Pattern: "upload:*", Payload: "x"}
	select {
	case msg := <-sub.Messages():
		require.Equal(t, Message{Channel: "upload:1", Pattern: "upload:*", Payload: "x"}, msg)
	case <-time.After(time.Second):
		t.Fatal("message was not relayed")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Equal(t, 1, closed)

	select {
	case _, ok := <-sub.Messages():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("messages channel was not closed")
	}
}

type fakeCommands struct {
	counts    map[string]int64
	ttl       map[string]bool
	expired   []string
	published []string
	incrErr   error
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{counts: map[string]int64{}, ttl: map[string]bool{}}
}

func (f *fakeCommands) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeCommands) Incr(_ context.Context, key string) *redis.IntCmd {
	if f.incrErr != nil {
		return redis.NewIntResult(0, f.incrErr)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCommands) ExpireNX(_ context.Context, key string, _ time.Duration) *redis.BoolCmd {
	if f.ttl[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.ttl[key] = true
	f.expired = append(f.expired, key)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCommands) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.published = append(f.published, fmt.Sprintf("%s=%s", channel, message))
	return redis.NewIntResult(1, nil)
}
