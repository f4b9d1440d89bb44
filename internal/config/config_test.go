package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sample = `
store:
  addr: 10.0.0.1:7000
  prefix: job
  read_timeout: 2s
worker:
  id: train_3
  services:
    episodes: 5555
  heartbeat_interval: 1.5s
reqrep:
  reply_timeout: 250ms
  max_retries: 4
queue:
  queue_size: 8
collective:
  rank: 1
  size: 4
  rendezvous: file:/tmp/rdv
checkpoint:
  dir: /var/lib/cpid
  keep: 5
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	kv := cfg.KVStore()
	assert.Equal(t, "10.0.0.1:7000", kv.Addr)
	assert.Equal(t, "job", kv.Prefix)
	assert.Equal(t, 2*time.Second, kv.ReadTimeout)
	assert.Equal(t, 5*time.Second, kv.DialTimeout)

	w := cfg.WorkerConfig()
	assert.Equal(t, "train_3", w.ID)
	assert.Equal(t, 1500*time.Millisecond, w.HeartbeatInterval)
	assert.Equal(t, map[string]int{"episodes": 5555}, w.Services)

	client := cfg.ClientConfig()
	assert.Equal(t, 250*time.Millisecond, client.ReplyTimeout)
	assert.Equal(t, 4, client.MaxRetries)
	assert.Equal(t, 1024, client.MaxBacklog)

	assert.Equal(t, 8, cfg.ConsumerConfig().QueueSize)
	assert.Equal(t, 16, cfg.ConsumerConfig().MaxInFlight)
	assert.Equal(t, time.Second, cfg.PublisherConfig().Republish)

	cc := cfg.ClusterConfig()
	assert.Equal(t, 1, cc.Rank)
	assert.Equal(t, 4, cc.Size)
	assert.Equal(t, "file:/tmp/rdv", cc.Rendezvous)
	assert.Equal(t, 5, cfg.Checkpoint.Keep)
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte("collective:\n  rank: 2\n  size: 2\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("worker:\n  heartbeat_interval: soon\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "cpid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "job", cfg.Store.Prefix)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDurationRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(Default())
	require.NoError(t, err)
	assert.Contains(t, string(out), "heartbeat_interval: 10s")

	cfg, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
