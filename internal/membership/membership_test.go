package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/storetest"
)

func setup(t *testing.T, poll time.Duration) (*View, *kvstore.Client) {
	t.Helper()
	cfg := kvstore.DefaultConfig()
	cfg.Addr = storetest.Start(t)
	cfg.Prefix = "mb"
	client := kvstore.New(cfg, nil)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, &Config{PollInterval: poll, ScanCount: 3}, nil), client
}

func addPeer(t *testing.T, client *kvstore.Client, rec kvstore.WorkerRecord) {
	t.Helper()
	data, err := kvstore.EncodeHeartbeat(rec)
	require.NoError(t, err)
	require.NoError(t, client.Redis().Set(context.Background(), client.Keys().Heartbeat(rec.ID), data, time.Minute).Err())
}

func TestPeersByRole(t *testing.T) {
	view, client := setup(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"train_1", "train_0", "rollout_0", "rollout_1", "rollout_2", "eval_0"} {
		addPeer(t, client, kvstore.WorkerRecord{ID: id, Host: "10.0.0.1"})
	}

	ids, err := view.PeerIDs(ctx, "train")
	require.NoError(t, err)
	assert.Equal(t, []string{"train_0", "train_1"}, ids)

	peers, err := view.Peers(ctx, "rollout")
	require.NoError(t, err)
	assert.Len(t, peers, 3)

	all, err := view.Peers(ctx, kvstore.AnyRole)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	none, err := view.Peers(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRefreshIsRateLimited(t *testing.T) {
	view, client := setup(t, time.Hour)
	ctx := context.Background()
	addPeer(t, client, kvstore.WorkerRecord{ID: "train_0"})

	first, err := view.Peers(ctx, "train")
	require.NoError(t, err)
	trips := view.RoundTrips()

	for i := 0; i < 10; i++ {
		again, err := view.Peers(ctx, "train")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, trips, view.RoundTrips())
}

func TestPeerVersionDrivesRescan(t *testing.T) {
	view, client := setup(t, time.Hour)
	ctx := context.Background()
	sched := kvstore.NewScheduler(client)

	addPeer(t, client, kvstore.WorkerRecord{ID: "train_0"})
	ids, err := view.PeerIDs(ctx, "train")
	require.NoError(t, err)
	assert.Equal(t, []string{"train_0"}, ids)

	// A new heartbeat alone is not noticed while peerv is unchanged.
	addPeer(t, client, kvstore.WorkerRecord{ID: "train_1"})
	view.Invalidate()
	before := view.RoundTrips()
	ids, err = view.PeerIDs(ctx, "train")
	require.NoError(t, err)
	assert.Equal(t, []string{"train_0"}, ids)
	assert.Equal(t, before+1, view.RoundTrips())

	_, err = sched.BumpPeerVersion(ctx)
	require.NoError(t, err)
	view.Invalidate()
	ids, err = view.PeerIDs(ctx, "train")
	require.NoError(t, err)
	assert.Equal(t, []string{"train_0", "train_1"}, ids)
	assert.Greater(t, view.RoundTrips(), before+2)
}

func TestServiceEndpointsAndDone(t *testing.T) {
	view, client := setup(t, 0)
	ctx := context.Background()

	addPeer(t, client, kvstore.WorkerRecord{ID: "train_0", Host: "10.0.0.1", Services: map[string]int{"model": 4000}})
	addPeer(t, client, kvstore.WorkerRecord{ID: "rollout_0", Host: "10.0.0.2", Services: map[string]int{"episodes": 5000}})

	eps, err := view.ServiceEndpoints(ctx, "model")
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://10.0.0.1:4000"}, eps)

	done, err := view.IsDone(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, kvstore.NewScheduler(client).SetDone(ctx))
	done, err = view.IsDone(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestExpiredHeartbeatsAreSkipped(t *testing.T) {
	view, client := setup(t, 0)
	ctx := context.Background()
	sched := kvstore.NewScheduler(client)

	addPeer(t, client, kvstore.WorkerRecord{ID: "train_0"})
	data, err := kvstore.EncodeHeartbeat(kvstore.WorkerRecord{ID: "train_1"})
	require.NoError(t, err)
	require.NoError(t, client.Redis().Set(ctx, client.Keys().Heartbeat("train_1"), data, 50*time.Millisecond).Err())

	ids, err := view.PeerIDs(ctx, "train")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	time.Sleep(100 * time.Millisecond)
	_, err = sched.BumpPeerVersion(ctx)
	require.NoError(t, err)
	ids, err = view.PeerIDs(ctx, "train")
	require.NoError(t, err)
	assert.Equal(t, []string{"train_0"}, ids)
}
