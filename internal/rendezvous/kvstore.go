package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/kvstore"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// KVStore keeps rendezvous keys in the coordination store under prefix.
type KVStore struct {
	client     *kvstore.Client
	prefix     string
	logger     *zap.Logger
	ownsClient bool

	mu      sync.Mutex
	timeout time.Duration
	setKeys []string
}

var _ Store = (*KVStore)(nil)

func NewKVStore(client *kvstore.Client, prefix string, logger *zap.Logger) *KVStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{
		client:  client,
		prefix:  prefix,
		logger:  logger.Named("rendezvous").With(zap.String("prefix", prefix)),
		timeout: DefaultTimeout,
	}
}

func (s *KVStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	pkey := s.key(key)
	var ok bool
	err := s.client.Do(ctx, func(rdb *redis.Client) error {
		var err error
		ok, err = rdb.SetNX(ctx, pkey, value, 0).Result()
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", cerrors.ErrKeyExists, pkey)
	}

	s.mu.Lock()
	s.setKeys = append(s.setKeys, pkey)
	s.mu.Unlock()
	return nil
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.Wait(ctx, []string{key}); err != nil {
		return nil, err
	}

	var val []byte
	err := s.client.Do(ctx, func(rdb *redis.Client) error {
		var err error
		val, err = rdb.Get(ctx, s.key(key)).Bytes()
		return err
	})
	return val, err
}

func (s *KVStore) Check(ctx context.Context, keys []string) (bool, error) {
	pkeys := make([]string, len(keys))
	for i, k := range keys {
		pkeys[i] = s.key(k)
	}

	var n int64
	err := s.client.Do(ctx, func(rdb *redis.Client) error {
		var err error
		n, err = rdb.Exists(ctx, pkeys...).Result()
		return err
	})
	return n == int64(len(keys)), err
}

func (s *KVStore) Wait(ctx context.Context, keys []string) error {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()

	err := wait(ctx, s, keys, timeout)
	if err != nil {
		s.logger.Debug("wait failed", zap.Strings("keys", keys), zap.Error(err))
	}
	return err
}

func (s *KVStore) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *KVStore) Close() error {
	s.mu.Lock()
	keys := s.setKeys
	s.setKeys = nil
	s.mu.Unlock()

	if len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.client.Redis().Del(ctx, keys...).Err()
		cancel()
	}
	if s.ownsClient {
		_ = s.client.Close()
	}
	return nil
}
