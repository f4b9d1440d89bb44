package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/cpid/internal/storetest"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = storetest.Start(t)
	cfg.Prefix = "job"
	c := New(cfg, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyLayout(t *testing.T) {
	k := Keys{Prefix: "job"}
	assert.Equal(t, "job:boot:train_0", k.Boot("train_0"))
	assert.Equal(t, "job:dead:train_0", k.Dead("train_0"))
	assert.Equal(t, "job:heartbeat:train_0", k.Heartbeat("train_0"))
	assert.Equal(t, "job:heartbeat:*", k.HeartbeatPattern())
	assert.Equal(t, "job:peerv", k.PeerVersion())
	assert.Equal(t, "job:metrics:train_0:loss", k.Metrics("train_0", "loss"))
	assert.Equal(t, "job:stats:train_0", k.Event("stats", "train_0"))

	a := k.Rendezvous([]string{"a", "b"})
	assert.Regexp(t, `^job:c10d:[0-9a-f]{32}$`, a)
	assert.Equal(t, a, k.Rendezvous([]string{"a", "b"}))
	assert.NotEqual(t, a, k.Rendezvous([]string{"a", "b", "c"}))
	assert.NotEqual(t, a, k.Rendezvous([]string{"ab"}))
}

func TestMatchRole(t *testing.T) {
	assert.True(t, MatchRole("train_0", "train"))
	assert.True(t, MatchRole("train_12", "train"))
	assert.False(t, MatchRole("trainer_0", "train"))
	assert.False(t, MatchRole("rollout_0", "train"))
	assert.True(t, MatchRole("rollout_0", AnyRole))
}

func TestCountRole(t *testing.T) {
	specs := []RoleSpec{{Name: "train", Count: 2}, {Name: "rollout", Count: 8}}
	assert.Equal(t, 2, CountRole(specs, "train"))
	assert.Equal(t, 10, CountRole(specs, AnyRole))
	assert.Equal(t, 0, CountRole(specs, "eval"))
}

func TestHeartbeatEncoding(t *testing.T) {
	rec := WorkerRecord{ID: "train_0", Host: "10.0.0.1", Services: map[string]int{"model": 5555}}
	data, err := EncodeHeartbeat(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp"`)

	got, err := DecodeHeartbeat(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestSchedulerWrites(t *testing.T) {
	c := newTestClient(t)
	s := NewScheduler(c)
	ctx := context.Background()
	rdb := c.Redis()

	require.NoError(t, s.GrantBoot(ctx, "train_0"))
	assert.Equal(t, int64(1), rdb.Exists(ctx, "job:boot:train_0").Val())

	v, err := s.BumpPeerVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, rdb.Set(ctx, "job:heartbeat:train_0", "{}", time.Minute).Err())
	require.NoError(t, s.MarkDead(ctx, "train_0"))
	assert.Equal(t, int64(1), rdb.Exists(ctx, "job:dead:train_0").Val())
	assert.Equal(t, int64(0), rdb.Exists(ctx, "job:heartbeat:train_0").Val())
	assert.Equal(t, "2", rdb.Get(ctx, "job:peerv").Val())

	require.NoError(t, s.SetDone(ctx))
	assert.Equal(t, "true", rdb.Get(ctx, "job:done").Val())

	require.NoError(t, s.SendCommand(ctx, "train_0", map[string]any{"hb_interval": 500}))
	assert.JSONEq(t, `{"hb_interval":500}`, rdb.Get(ctx, "job:commands:train_0").Val())
}

func TestJobSpecRoundTrip(t *testing.T) {
	c := newTestClient(t)
	s := NewScheduler(c)
	ctx := context.Background()

	specs, err := s.JobSpec(ctx)
	require.NoError(t, err)
	assert.Empty(t, specs)

	want := []RoleSpec{{Name: "train", Count: 2, Args: []string{"-lr", "0.1"}}}
	require.NoError(t, s.SetJobSpec(ctx, want))
	specs, err = s.JobSpec(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, specs)

	require.NoError(t, c.Redis().Set(ctx, "job:jobspec", "not json", 0).Err())
	_, err = s.JobSpec(ctx)
	assert.ErrorContains(t, err, "job:jobspec")
}

func TestDoPropagatesErrorsOnHealthyConnection(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Redis().RPush(ctx, "job:list", "x").Err())
	err := c.Do(ctx, func(rdb *redis.Client) error {
		return rdb.Get(ctx, "job:list").Err()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRONGTYPE")

	err = c.Do(ctx, func(rdb *redis.Client) error {
		return rdb.Get(ctx, "job:missing").Err()
	})
	assert.Equal(t, redis.Nil, err)
}

func TestReconnect(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Reconnect(ctx))
	assert.True(t, c.IsConnected(ctx))

	require.NoError(t, c.Close())
	assert.Error(t, c.Reconnect(ctx))
}
