package protocol

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/cpid/internal/engine/memory"
)

func startServer(t *testing.T) *redis.Client {
	t.Helper()

	store := memory.NewStore(nil)
	srv := NewServer("127.0.0.1:0", store, nil)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), Protocol: 2})
	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Stop()
		_ = store.Close()
	})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		return client.Ping(ctx).Err() == nil
	}, 2*time.Second, 10*time.Millisecond)
	return client
}

func TestStringCommands(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	v, err := client.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	_, err = client.Get(ctx, "missing").Result()
	assert.ErrorIs(t, err, redis.Nil)

	ok, err := client.SetNX(ctx, "k", "other", 0).Result()
	require.NoError(t, err)
	assert.False(t, ok)

	old, err := client.GetSet(ctx, "k", "new").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", old)

	_, err = client.GetSet(ctx, "fresh", "x").Result()
	assert.ErrorIs(t, err, redis.Nil)

	n, err := client.IncrBy(ctx, "counter", 5).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	vals, err := client.MGet(ctx, "k", "missing", "counter").Result()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"new", nil, "5"}, vals)

	cnt, err := client.Exists(ctx, "k", "missing", "counter").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cnt)
}

func TestExpiryCommands(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "plain", "1", 0).Err())
	ttl, err := client.PTTL(ctx, "plain").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	ttl, err = client.PTTL(ctx, "missing").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-2), ttl)

	require.NoError(t, client.Set(ctx, "short", "1", 50*time.Millisecond).Err())
	ttl, err = client.PTTL(ctx, "short").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	assert.Eventually(t, func() bool {
		n, _ := client.Exists(ctx, "short").Result()
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestScanVisitsEveryKey(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, client.Set(ctx, fmt.Sprintf("P:heartbeat:w%d", i), "x", 0).Err())
	}
	require.NoError(t, client.Set(ctx, "P:peerv", "1", 0).Err())

	seen := map[string]int{}
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, "P:heartbeat:*", 7).Result()
		require.NoError(t, err)
		for _, k := range keys {
			seen[k]++
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	assert.Len(t, seen, 50)
	for k, n := range seen {
		assert.Equal(t, 1, n, k)
	}
}

func TestListCommands(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	n, err := client.RPush(ctx, "list", "a", "b", "c").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	items, err := client.LRange(ctx, "list", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	err = client.Get(ctx, "list").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRONGTYPE")
}

func TestTransactionCommits(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "boot", "1", 0).Err())

	err := client.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, "boot")
			p.Set(ctx, "hb", "alive", time.Second)
			return nil
		})
		return err
	}, "boot")
	require.NoError(t, err)

	n, err := client.Exists(ctx, "boot").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "alive", client.Get(ctx, "hb").Val())
}

func TestTransactionAbortsOnWatchedWrite(t *testing.T) {
	client := startServer(t)
	other := redis.NewClient(&redis.Options{Addr: client.Options().Addr, Protocol: 2})
	defer other.Close()
	ctx := context.Background()

	err := client.Watch(ctx, func(tx *redis.Tx) error {
		require.NoError(t, other.Set(ctx, "dead", "1", 0).Err())
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, "hb", "alive", time.Second)
			return nil
		})
		return err
	}, "dead")
	assert.ErrorIs(t, err, redis.TxFailedErr)

	n, err := client.Exists(ctx, "hb").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishReachesSubscriber(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "P:events:w1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := client.Publish(ctx, "P:events:w1", "hello").Result()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Payload)
}
