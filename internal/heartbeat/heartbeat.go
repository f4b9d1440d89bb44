// Package heartbeat keeps a worker's liveness record fresh in the
// coordination store and notices when the scheduler declares it dead.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/metrics"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// Config configures a heartbeat service.
type Config struct {
	// Interval is the TTL of the heartbeat record. It is refreshed four
	// times per interval.
	Interval time.Duration

	// Level, when set, is adjusted by the "v" remote command.
	Level *zap.AtomicLevel
}

func DefaultConfig() *Config {
	return &Config{Interval: 10 * time.Second}
}

// CommandFunc handles the value of one remote command field.
type CommandFunc func(value json.RawMessage) error

var errDeadMarker = errors.New("dead marker present")

// Service runs the heartbeat loop of one worker. States: booting (inside
// New), alive, then either considered dead or stopped.
type Service struct {
	client *kvstore.Client
	keys   kvstore.Keys
	rec    kvstore.WorkerRecord
	logger *zap.Logger

	interval atomic.Int64
	dead     atomic.Bool
	vfilter  atomic.Value

	cmdMu    sync.Mutex
	commands map[string]CommandFunc

	cancel   context.CancelFunc
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New boots the worker and starts the heartbeat loop. Boot consumes the
// scheduler's boot marker and writes the first heartbeat in one
// transaction; it fails with ErrBootMissing or ErrBootRace.
func New(ctx context.Context, client *kvstore.Client, rec kvstore.WorkerRecord, cfg *Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		client:   client,
		keys:     client.Keys(),
		rec:      rec,
		logger:   logger.Named("heartbeat").With(zap.String("id", rec.ID)),
		commands: make(map[string]CommandFunc),
		doneCh:   make(chan struct{}),
	}
	s.interval.Store(int64(cfg.Interval))
	s.vfilter.Store("")
	s.registerDefaults(cfg.Level)

	if err := s.boot(ctx); err != nil {
		return nil, fmt.Errorf("%s can't send initial heartbeat: %w", rec.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx)
	return s, nil
}

func (s *Service) registerDefaults(level *zap.AtomicLevel) {
	s.RegisterCommand("v", func(value json.RawMessage) error {
		var v int
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		if level != nil {
			if v > 0 {
				level.SetLevel(zapcore.DebugLevel)
			} else {
				level.SetLevel(zapcore.InfoLevel)
			}
		}
		s.logger.Info("updated verbosity", zap.Int("v", v))
		return nil
	})
	s.RegisterCommand("vfilter", func(value json.RawMessage) error {
		var f string
		if err := json.Unmarshal(value, &f); err != nil {
			return err
		}
		s.vfilter.Store(f)
		s.logger.Info("updated vfilter", zap.String("vfilter", f))
		return nil
	})
	s.RegisterCommand("hb_interval", func(value json.RawMessage) error {
		var ms int64
		if err := json.Unmarshal(value, &ms); err != nil {
			return err
		}
		if ms <= 0 {
			return fmt.Errorf("invalid hb_interval %d", ms)
		}
		old := s.Interval()
		s.interval.Store(int64(time.Duration(ms) * time.Millisecond))
		s.logger.Info("updated hb_interval", zap.Duration("old", old), zap.Duration("new", s.Interval()))
		return nil
	})
}

// RegisterCommand installs fn for the remote command field name.
func (s *Service) RegisterCommand(name string, fn CommandFunc) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	s.commands[name] = fn
}

// Interval returns the current heartbeat interval.
func (s *Service) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// VFilter returns the last vfilter received by remote command.
func (s *Service) VFilter() string {
	return s.vfilter.Load().(string)
}

// ConsideredDead reports whether the scheduler declared this worker dead.
// The state is terminal.
func (s *Service) ConsideredDead() bool {
	return s.dead.Load()
}

// Done is closed when the heartbeat loop exits.
func (s *Service) Done() <-chan struct{} {
	return s.doneCh
}

// Stop ends the loop and waits for it. It does not mark the worker dead.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.doneCh
	})
}

func (s *Service) record() ([]byte, error) {
	return kvstore.EncodeHeartbeat(s.rec)
}

func (s *Service) boot(ctx context.Context) error {
	bootKey := s.keys.Boot(s.rec.ID)
	data, err := s.record()
	if err != nil {
		return err
	}

	err = s.client.Redis().Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, bootKey).Result()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: %s", cerrors.ErrBootMissing, bootKey)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, bootKey)
			p.Set(ctx, s.keys.Heartbeat(s.rec.ID), data, s.Interval())
			return nil
		})
		return err
	}, bootKey)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed", cerrors.ErrBootRace, bootKey)
	}
	if err == nil {
		metrics.RecordHeartbeat("boot")
		s.logger.Info("booted", zap.Duration("interval", s.Interval()))
	}
	return err
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	retry := false
	lastSent := time.Now()
	for {
		interval := s.Interval()
		wait := interval / 4
		if retry {
			wait = interval / 10
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		beatCtx, cancel := context.WithTimeout(ctx, interval)
		dead, err := s.beat(beatCtx)
		cancel()

		switch {
		case dead:
			s.logger.Warn("considered dead by upstream")
			metrics.RecordHeartbeat("dead")
			s.dead.Store(true)
			return
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			retry = true
			metrics.RecordHeartbeat("error")
			s.recover(ctx, err)
		default:
			retry = false
			lastSent = time.Now()
			metrics.RecordHeartbeat("ok")
		}

		if since := time.Since(lastSent); since > 2*interval {
			s.logger.Error("could not send heartbeat", zap.Duration("since", since))
		}
	}
}

func (s *Service) recover(ctx context.Context, err error) {
	if s.client.IsConnected(ctx) {
		s.logger.Warn("can't set heartbeat, will try again shortly", zap.Error(err))
		return
	}
	s.logger.Error("client disconnected, trying to reconnect", zap.Error(err))
	if rerr := s.client.Reconnect(ctx); rerr != nil {
		s.logger.Error("can't reconnect", zap.Error(rerr))
	}
}

// beat refreshes the heartbeat while watching the dead marker. It reports
// dead when the marker exists or appears before the refresh commits.
func (s *Service) beat(ctx context.Context) (bool, error) {
	deadKey := s.keys.Dead(s.rec.ID)
	data, err := s.record()
	if err != nil {
		return false, err
	}

	err = s.client.Redis().Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, deadKey).Result()
		if err != nil {
			return err
		}
		if n != 0 {
			return errDeadMarker
		}

		cmd, err := tx.GetSet(ctx, s.keys.Commands(s.rec.ID), "").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		s.executeCommands(cmd)

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.keys.Heartbeat(s.rec.ID), data, s.Interval())
			return nil
		})
		return err
	}, deadKey)

	if errors.Is(err, errDeadMarker) || errors.Is(err, redis.TxFailedErr) {
		return true, nil
	}
	return false, err
}

func (s *Service) executeCommands(payload string) {
	if payload == "" {
		return
	}
	s.logger.Info("received commands", zap.String("commands", payload))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		s.logger.Warn("can't parse commands", zap.Error(err))
		return
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	for name, value := range fields {
		fn, ok := s.commands[name]
		if !ok {
			s.logger.Warn("skipped unknown command", zap.String("command", name))
			continue
		}
		if err := fn(value); err != nil {
			s.logger.Warn("can't apply command", zap.String("command", name), zap.Error(err))
		}
	}
}
