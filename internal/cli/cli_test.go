package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/cpid/internal/checkpoint"
	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/storetest"
	"github.com/10yihang/cpid/internal/worker"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func storeClient(t *testing.T, addr string) *kvstore.Client {
	t.Helper()
	cfg := kvstore.DefaultConfig()
	cfg.Addr = addr
	cfg.Prefix = "job"
	c := kvstore.New(cfg, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSchedCommands(t *testing.T) {
	addr := storetest.Start(t)
	client := storeClient(t, addr)
	rdb := client.Redis()
	keys := client.Keys()
	ctx := context.Background()
	sched := func(args ...string) string {
		out, err := run(t, append([]string{"--store", addr, "--prefix", "job", "sched"}, args...)...)
		require.NoError(t, err)
		return out
	}

	sched("grant", "train_0", "train_1")
	n, err := rdb.Exists(ctx, keys.Boot("train_0"), keys.Boot("train_1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, "1\n", sched("bump"))

	sched("jobspec", "train=2", "rollout=4")
	specs, err := kvstore.ReadJobSpec(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, []kvstore.RoleSpec{{Name: "train", Count: 2}, {Name: "rollout", Count: 4}}, specs)

	sched("command", "train_0", `{"v": "debug"}`)
	cmd, err := rdb.Get(ctx, keys.Commands("train_0")).Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"v": "debug"}`, cmd)

	sched("dead", "train_1")
	dead, err := rdb.Exists(ctx, keys.Dead("train_1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	sched("done")
	done, err := rdb.Get(ctx, keys.Done()).Result()
	require.NoError(t, err)
	assert.Equal(t, "true", done)
}

func TestSchedPeers(t *testing.T) {
	addr := storetest.Start(t)
	client := storeClient(t, addr)
	ctx := context.Background()
	require.NoError(t, kvstore.NewScheduler(client).GrantBoot(ctx, "train_0"))

	wc := worker.DefaultConfig()
	wc.ID = "train_0"
	wc.Host = "10.1.2.3"
	wc.Store.Addr = addr
	wc.Store.Prefix = "job"
	wc.HeartbeatInterval = time.Second
	w, err := worker.New(ctx, wc, nil)
	require.NoError(t, err)
	defer w.Close()

	out, err := run(t, "--store", addr, "--prefix", "job", "sched", "peers", "train")
	require.NoError(t, err)
	assert.Equal(t, "train_0\t10.1.2.3\n", out)

	out, err = run(t, "--store", addr, "--prefix", "job", "sched", "peers", "eval")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSchedArgumentErrors(t *testing.T) {
	_, err := run(t, "sched", "jobspec", "train")
	assert.ErrorContains(t, err, "ROLE=COUNT")

	_, err = run(t, "sched", "command", "train_0", "{not json")
	assert.Error(t, err)

	_, err = run(t, "sched", "grant")
	assert.Error(t, err)
}

func TestParseJobSpec(t *testing.T) {
	specs, err := parseJobSpec([]string{"train=1", "eval=0"})
	require.NoError(t, err)
	assert.Equal(t, []kvstore.RoleSpec{{Name: "train", Count: 1}, {Name: "eval", Count: 0}}, specs)

	_, err = parseJobSpec([]string{"=3"})
	assert.Error(t, err)
	_, err = parseJobSpec([]string{"train=-1"})
	assert.Error(t, err)
}

func TestCheckpointCommands(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir)
	require.NoError(t, err)
	ctx := context.Background()
	for tag := int64(1); tag <= 4; tag++ {
		require.NoError(t, store.Save(ctx, tag, []byte("m")))
	}
	require.NoError(t, store.Close())

	out, err := run(t, "checkpoint", "ls", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4"}, strings.Fields(out))

	out, err = run(t, "checkpoint", "prune", "--dir", dir, "--keep", "1")
	require.NoError(t, err)
	assert.Equal(t, "removed 3\n", out)

	out, err = run(t, "checkpoint", "ls", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "4\n", out)

	_, err = run(t, "checkpoint", "ls")
	assert.ErrorContains(t, err, "no checkpoint directory")
}

func TestConfigFileErrors(t *testing.T) {
	_, err := run(t, "--config", "/nonexistent/cpid.yaml", "sched", "bump")
	assert.Error(t, err)
}
