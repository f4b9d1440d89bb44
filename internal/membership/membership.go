// Package membership maintains a polled view of the live workers of a job.
package membership

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/metrics"
)

// Config configures a membership view.
type Config struct {
	// PollInterval bounds how often the store is consulted.
	PollInterval time.Duration
	// ScanCount is the COUNT hint of each SCAN round trip.
	ScanCount int64
}

func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		ScanCount:    256,
	}
}

// View caches the peer list and the job done flag. Refreshes happen inline
// on the calling goroutine, at most once per poll interval.
type View struct {
	client *kvstore.Client
	keys   kvstore.Keys
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	scanned   bool
	peerv     int64
	lastCheck time.Time
	peers     []kvstore.WorkerRecord
	done      bool

	roundTrips atomic.Int64
}

func New(client *kvstore.Client, cfg *Config, logger *zap.Logger) *View {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.ScanCount <= 0 {
		c.ScanCount = DefaultConfig().ScanCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{
		client: client,
		keys:   client.Keys(),
		cfg:    c,
		logger: logger.Named("membership").With(zap.String("prefix", client.Keys().Prefix)),
	}
}

// PollInterval returns the configured poll interval.
func (v *View) PollInterval() time.Duration {
	return v.cfg.PollInterval
}

// RoundTrips counts store round trips made by refreshes.
func (v *View) RoundTrips() int64 {
	return v.roundTrips.Load()
}

// Invalidate makes the next refresh consult the store regardless of the
// poll interval.
func (v *View) Invalidate() {
	v.mu.Lock()
	v.lastCheck = time.Time{}
	v.mu.Unlock()
}

// Refresh updates the view if the poll interval has elapsed. Store errors
// trigger a reconnect when the connection is down and are returned when it
// is healthy.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.lastCheck.IsZero() && time.Since(v.lastCheck) < v.cfg.PollInterval {
		metrics.RecordMembership("cached", len(v.peers))
		return nil
	}
	return v.client.Do(ctx, func(rdb *redis.Client) error {
		return v.tryUpdate(ctx, rdb)
	})
}

func (v *View) tryUpdate(ctx context.Context, rdb *redis.Client) error {
	var doneCmd, peervCmd *redis.StringCmd
	v.roundTrips.Add(1)
	_, _ = rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		doneCmd = p.Get(ctx, v.keys.Done())
		peervCmd = p.Get(ctx, v.keys.PeerVersion())
		return nil
	})
	for _, cmd := range []*redis.StringCmd{doneCmd, peervCmd} {
		if err := cmd.Err(); err != nil && err != redis.Nil {
			return err
		}
	}

	v.done = doneCmd.Val() == "true"
	peerv := int64(-1)
	if s, err := peervCmd.Result(); err == nil {
		if peerv, err = strconv.ParseInt(s, 10, 64); err != nil {
			return fmt.Errorf("parse %s=%q: %w", v.keys.PeerVersion(), s, err)
		}
	}
	v.lastCheck = time.Now()

	if v.scanned && peerv == v.peerv {
		v.logger.Debug("peerv unchanged", zap.Int64("peerv", peerv))
		metrics.RecordMembership("unchanged", len(v.peers))
		return nil
	}

	peers, err := v.scan(ctx, rdb)
	if err != nil {
		return err
	}
	v.peerv = peerv
	v.scanned = true
	v.peers = peers
	v.logger.Debug("got information about peers", zap.Int("peers", len(peers)), zap.Int64("peerv", peerv))
	metrics.RecordMembership("scan", len(peers))
	return nil
}

// scan enumerates heartbeat keys with SCAN and fetches them with one MGET.
// Records that expired in between are skipped.
func (v *View) scan(ctx context.Context, rdb *redis.Client) ([]kvstore.WorkerRecord, error) {
	var keys []string
	var cursor uint64
	for {
		v.roundTrips.Add(1)
		batch, next, err := rdb.Scan(ctx, cursor, v.keys.HeartbeatPattern(), v.cfg.ScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("can't scan heartbeat table: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	if len(keys) == 0 {
		return nil, nil
	}

	v.roundTrips.Add(1)
	values, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	peers := make([]kvstore.WorkerRecord, 0, len(values))
	for i, val := range values {
		s, ok := val.(string)
		if !ok {
			continue
		}
		rec, err := kvstore.DecodeHeartbeat([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		peers = append(peers, rec)
	}
	slices.SortFunc(peers, func(a, b kvstore.WorkerRecord) int {
		return strings.Compare(a.ID, b.ID)
	})
	return peers, nil
}

// IsDone refreshes and reports the job done flag.
func (v *View) IsDone(ctx context.Context) (bool, error) {
	if err := v.Refresh(ctx); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.done, nil
}

// Peers refreshes and returns the workers whose ID matches "{role}_*", or
// every worker for kvstore.AnyRole.
func (v *View) Peers(ctx context.Context, role string) ([]kvstore.WorkerRecord, error) {
	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var result []kvstore.WorkerRecord
	for _, p := range v.peers {
		if p.HasRole(role) {
			result = append(result, p)
		}
	}
	return result, nil
}

// PeerIDs returns the sorted IDs of Peers(role).
func (v *View) PeerIDs(ctx context.Context, role string) ([]string, error) {
	peers, err := v.Peers(ctx, role)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	slices.Sort(ids)
	return ids, nil
}

// ServiceEndpoints refreshes and returns "tcp://host:port" for every peer
// advertising service.
func (v *View) ServiceEndpoints(ctx context.Context, service string) ([]string, error) {
	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var endpoints []string
	for _, p := range v.peers {
		if port, ok := p.Services[service]; ok {
			endpoints = append(endpoints, fmt.Sprintf("tcp://%s:%d", p.Host, port))
		}
	}
	return endpoints, nil
}
