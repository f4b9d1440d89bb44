// Package worker composes heartbeat, membership and collective contexts into
// the single coordination object a training process works with.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/10yihang/cpid/internal/collective"
	"github.com/10yihang/cpid/internal/heartbeat"
	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/membership"
	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/internal/netutil"
	"github.com/10yihang/cpid/internal/rendezvous"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// Environment variables read by FromEnv.
const (
	EnvID     = "CPID_WORKER_ID"
	EnvAddr   = "CPID_STORE_ADDR"
	EnvPrefix = "CPID_STORE_PREFIX"
)

// Config configures a Worker.
type Config struct {
	// ID must match "{role}_{index}" for role filtering to work.
	ID string
	// Host is advertised to peers. Empty uses the first interface address.
	Host     string
	Services map[string]int

	Store *kvstore.Config

	HeartbeatInterval time.Duration
	// PollInterval defaults to half the heartbeat interval.
	PollInterval time.Duration

	// Level, when set, follows the "v" remote command.
	Level *zap.AtomicLevel
}

func DefaultConfig() *Config {
	return &Config{
		Store:             kvstore.DefaultConfig(),
		HeartbeatInterval: 10 * time.Second,
	}
}

type group struct {
	ids []string
	ctx *collective.Context
}

// Worker is one process of a job.
type Worker struct {
	rec    kvstore.WorkerRecord
	client *kvstore.Client
	keys   kvstore.Keys
	hb     *heartbeat.Service
	view   *membership.View
	logger *zap.Logger

	mu       sync.Mutex
	groups   map[string]*group
	building map[string]*sync.Mutex
}

// New boots the worker. It fails when the scheduler has not granted the
// boot marker.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Worker, error) {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.Store == nil {
		cfg.Store = defaults.Store
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = cfg.HeartbeatInterval / 2
	}
	if cfg.ID == "" {
		cfg.ID = "worker_" + uuid.NewString()[:8]
	}
	if cfg.Host == "" {
		cfg.Host = netutil.InterfaceAddress()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rec := kvstore.WorkerRecord{ID: cfg.ID, Host: cfg.Host, Services: cfg.Services}
	client := kvstore.New(cfg.Store, logger)
	hb, err := heartbeat.New(ctx, client, rec, &heartbeat.Config{
		Interval: cfg.HeartbeatInterval,
		Level:    cfg.Level,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	mcfg := membership.DefaultConfig()
	mcfg.PollInterval = cfg.PollInterval
	return &Worker{
		rec:    rec,
		client: client,
		keys:   client.Keys(),
		hb:     hb,
		view:   membership.New(client, mcfg, logger),
		logger: logger.Named("worker").With(zap.String("id", rec.ID)),
		groups:   make(map[string]*group),
		building: make(map[string]*sync.Mutex),
	}, nil
}

// FromEnv builds a worker from CPID_WORKER_ID, CPID_STORE_ADDR and
// CPID_STORE_PREFIX. It returns nil without error when no worker ID is set.
func FromEnv(ctx context.Context, services map[string]int, logger *zap.Logger) (*Worker, error) {
	id := os.Getenv(EnvID)
	if id == "" {
		return nil, nil
	}
	cfg := DefaultConfig()
	cfg.ID = id
	cfg.Services = services
	for env, dst := range map[string]*string{EnvAddr: &cfg.Store.Addr, EnvPrefix: &cfg.Store.Prefix} {
		v := os.Getenv(env)
		if v == "" {
			return nil, fmt.Errorf("missing environment variable %s", env)
		}
		*dst = v
	}
	return New(ctx, cfg, logger)
}

func (w *Worker) Info() kvstore.WorkerRecord { return w.rec }

func (w *Worker) Prefix() string { return w.keys.Prefix }

// Client is the worker's store connection, for keys under Prefix.
func (w *Worker) Client() *kvstore.Client { return w.client }

// Heartbeat exposes the heartbeat service, e.g. to register remote commands.
func (w *Worker) Heartbeat() *heartbeat.Service { return w.hb }

// ConsideredDead reports whether the scheduler declared this worker dead.
// The process is expected to exit once it does.
func (w *Worker) ConsideredDead() bool {
	return w.hb.ConsideredDead()
}

// IsDone reports whether the job is finished, or this worker is dead.
func (w *Worker) IsDone(ctx context.Context) (bool, error) {
	if w.ConsideredDead() {
		return true, nil
	}
	return w.view.IsDone(ctx)
}

// Peers returns the live workers of role, this worker included.
func (w *Worker) Peers(ctx context.Context, role string) ([]kvstore.WorkerRecord, error) {
	return w.view.Peers(ctx, role)
}

// ServiceEndpoints returns the endpoints of every live worker that
// advertises service.
func (w *Worker) ServiceEndpoints(ctx context.Context, service string) ([]string, error) {
	return w.view.ServiceEndpoints(ctx, service)
}

// DContext returns a collective context over the live workers of role. The
// context is cached and rebuilt only when the member list changes. A zero
// timeout uses 1.5 heartbeat intervals.
//
// A failed collective operation does not discard the context; call
// DiscardDContext before retrying.
func (w *Worker) DContext(ctx context.Context, role string, timeout time.Duration) (*collective.Context, error) {
	ids, err := w.view.PeerIDs(ctx, role)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: '%s' (pattern '%s_*')", cerrors.ErrNoPeers, role, role)
	}

	// Builds for one role are serialized.
	build := w.buildLock(role)
	build.Lock()
	defer build.Unlock()

	w.mu.Lock()
	g, ok := w.groups[role]
	if ok {
		if slices.Equal(g.ids, ids) {
			w.mu.Unlock()
			return g.ctx, nil
		}
		delete(w.groups, role)
	}
	w.mu.Unlock()
	if ok {
		w.logger.Debug("rebuilding context", zap.String("role", role), zap.Strings("old", g.ids), zap.Strings("new", ids))
		_ = g.ctx.Close()
	}

	rank, found := slices.BinarySearch(ids, w.rec.ID)
	if !found {
		return nil, fmt.Errorf("%w: can't construct a context for '%s' that %s is not part of", cerrors.ErrNotMember, role, w.rec.ID)
	}

	if timeout <= 0 {
		timeout = w.hb.Interval() * 3 / 2
	}
	storeTimeout := 2 * timeout
	if storeTimeout < time.Second {
		storeTimeout = time.Second
	}

	key := w.keys.Rendezvous(ids)
	w.logger.Info("rendezvous", zap.String("key", key), zap.Int("rank", rank), zap.Int("size", len(ids)))
	store := rendezvous.NewKVStore(w.client, key, w.logger)
	store.SetTimeout(storeTimeout)

	c, err := collective.NewContext(ctx, store, rank, len(ids), timeout, &collective.Options{
		Host:   w.rec.Host,
		Logger: w.logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("context for role '%s': %w", role, err)
	}
	metrics.RecordContextBuild(role)
	w.mu.Lock()
	w.groups[role] = &group{ids: ids, ctx: c}
	w.mu.Unlock()
	return c, nil
}

func (w *Worker) buildLock(role string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.building[role]
	if !ok {
		l = &sync.Mutex{}
		w.building[role] = l
	}
	return l
}

// DiscardDContext drops the cached context of role so the next DContext
// call builds a fresh one.
func (w *Worker) DiscardDContext(role string) {
	w.mu.Lock()
	g, ok := w.groups[role]
	delete(w.groups, role)
	w.mu.Unlock()
	if ok {
		w.logger.Debug("discarding context", zap.String("role", role))
		_ = g.ctx.Close()
	}
}

func (w *Worker) specCount(ctx context.Context, role string) (int, error) {
	specs, err := kvstore.ReadJobSpec(ctx, w.client)
	if err != nil {
		return 0, err
	}
	return kvstore.CountRole(specs, role), nil
}

// WaitForOne blocks until a worker of role is alive. It returns false when
// timeout passes first; zero waits forever. Roles absent from the job spec
// fail with ErrNoJobSpec.
func (w *Worker) WaitForOne(ctx context.Context, role string, timeout time.Duration) (bool, error) {
	n, err := w.specCount(ctx, role)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("%w: %s", cerrors.ErrNoJobSpec, role)
	}
	return w.waitFor(ctx, role, 1, timeout)
}

// WaitForAll blocks until as many workers of role are alive as the job spec
// asks for.
func (w *Worker) WaitForAll(ctx context.Context, role string, timeout time.Duration) (bool, error) {
	n, err := w.specCount(ctx, role)
	if err != nil {
		return false, err
	}
	w.logger.Debug("waiting for peers", zap.Int("count", n), zap.String("role", role))
	return w.waitFor(ctx, role, n, timeout)
}

func (w *Worker) waitFor(ctx context.Context, role string, n int, timeout time.Duration) (bool, error) {
	start := time.Now()
	for {
		peers, err := w.view.Peers(ctx, role)
		if err != nil {
			return false, err
		}
		if len(peers) >= n {
			return true, nil
		}
		if timeout != 0 && time.Since(start) > timeout {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(w.view.PollInterval() + 10*time.Millisecond):
		}
	}
}

type metricsSample struct {
	Timestamp int64              `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// AppendMetrics appends one timestamped sample to the worker's metrics list
// called name.
func (w *Worker) AppendMetrics(ctx context.Context, name string, values map[string]float64) error {
	data, err := json.Marshal(metricsSample{Timestamp: time.Now().Unix(), Values: values})
	if err != nil {
		return err
	}
	key := w.keys.Metrics(w.rec.ID, name)
	return w.client.Do(ctx, func(rdb *redis.Client) error {
		if err := rdb.RPush(ctx, key, data).Err(); err != nil {
			w.logger.Warn("unable to append metrics", zap.String("key", key), zap.Error(err))
			return err
		}
		return nil
	})
}

// PublishEvent publishes data as JSON on the channel "{prefix}:{key}:{id}".
func (w *Worker) PublishEvent(ctx context.Context, key string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	channel := w.keys.Event(key, w.rec.ID)
	return w.client.Do(ctx, func(rdb *redis.Client) error {
		if err := rdb.Publish(ctx, channel, payload).Err(); err != nil {
			w.logger.Warn("unable to publish event", zap.String("channel", channel), zap.Error(err))
			return err
		}
		return nil
	})
}

// Close tears down cached contexts and stops the heartbeat. It does not mark
// the worker dead; its heartbeat expires on its own.
func (w *Worker) Close() error {
	w.mu.Lock()
	for role, g := range w.groups {
		_ = g.ctx.Close()
		delete(w.groups, role)
	}
	w.mu.Unlock()

	w.hb.Stop()
	return w.client.Close()
}
