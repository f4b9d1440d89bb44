package memory

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/10yihang/cpid/internal/engine"
	"github.com/10yihang/cpid/pkg/errors"
)

// Store is the in-memory keyspace behind the coordination store.
type Store struct {
	dict    *Dict
	expires *ExpiryManager
	stats   *Stats
}

// Stats uses atomic counters for lock-free updates
type Stats struct {
	Hits        atomic.Int64
	Misses      atomic.Int64
	SetOps      atomic.Int64
	GetOps      atomic.Int64
	DelOps      atomic.Int64
	ExpiredKeys atomic.Int64
}

type Config struct {
	ShardCount int
}

func DefaultConfig() *Config {
	return &Config{
		ShardCount: defaultShardCount,
	}
}

var _ engine.Engine = (*Store)(nil)

func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Store{
		dict:  NewDict(cfg.ShardCount),
		stats: &Stats{},
	}

	s.expires = NewExpiryManager(s.dict, func(n int) {
		s.stats.ExpiredKeys.Add(int64(n))
	})
	s.expires.Start()

	return s
}

func (s *Store) stringEntry(key string) (*Entry, error) {
	entry, ok := s.dict.Get(key)
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	if entry.Type != engine.TypeString {
		return nil, errors.ErrWrongType
	}
	return entry, nil
}

func (s *Store) GetBytes(_ context.Context, key string) ([]byte, error) {
	s.stats.GetOps.Add(1)

	entry, err := s.stringEntry(key)
	if err != nil {
		if err == errors.ErrKeyNotFound {
			s.stats.Misses.Add(1)
		}
		return nil, err
	}

	s.stats.Hits.Add(1)
	return entry.Value, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.stats.SetOps.Add(1)
	s.dict.Set(key, copyBytes(value), ttl)
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.stats.SetOps.Add(1)
	return s.dict.SetNX(key, copyBytes(value), ttl), nil
}

func (s *Store) SetXX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.stats.SetOps.Add(1)
	return s.dict.SetXX(key, copyBytes(value), ttl), nil
}

// GetSet stores value and returns the previous value, or nil if the key
// did not exist.
func (s *Store) GetSet(_ context.Context, key string, value []byte) ([]byte, error) {
	s.stats.SetOps.Add(1)

	var old []byte
	err := s.dict.Update(key, func(prev *Entry) (*Entry, error) {
		if prev != nil {
			if prev.Type != engine.TypeString {
				return nil, errors.ErrWrongType
			}
			old = prev.Value
		}
		next := s.dict.newEntry(engine.TypeString, 0)
		next.Value = copyBytes(value)
		return next, nil
	})
	return old, err
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	var val int64
	err := s.dict.Update(key, func(prev *Entry) (*Entry, error) {
		next := s.dict.newEntry(engine.TypeString, 0)
		if prev != nil {
			if prev.Type != engine.TypeString {
				return nil, errors.ErrWrongType
			}
			parsed, err := strconv.ParseInt(string(prev.Value), 10, 64)
			if err != nil {
				return nil, errors.ErrNotInteger
			}
			val = parsed
			next.SetExpireAt(prev.GetExpireAt())
		}
		val += delta
		next.Value = []byte(strconv.FormatInt(val, 10))
		return next, nil
	})
	if err != nil {
		return 0, err
	}
	return val, nil
}

// MGetBytes returns one value per key, nil for missing keys and keys
// holding a non-string value.
func (s *Store) MGetBytes(_ context.Context, keys ...string) ([][]byte, error) {
	result := make([][]byte, len(keys))
	for i, key := range keys {
		if entry, err := s.stringEntry(key); err == nil {
			result[i] = entry.Value
		}
	}
	return result, nil
}

func (s *Store) RPush(_ context.Context, key string, values ...[]byte) (int64, error) {
	var length int64
	err := s.dict.Update(key, func(prev *Entry) (*Entry, error) {
		next := s.dict.newEntry(engine.TypeList, 0)
		if prev != nil {
			if prev.Type != engine.TypeList {
				return nil, errors.ErrWrongType
			}
			next.List = make([][]byte, len(prev.List), len(prev.List)+len(values))
			copy(next.List, prev.List)
			next.SetExpireAt(prev.GetExpireAt())
			next.CreatedAt = prev.CreatedAt
		}
		for _, v := range values {
			next.List = append(next.List, copyBytes(v))
		}
		length = int64(len(next.List))
		return next, nil
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}

// LRange returns list elements between start and stop inclusive. Negative
// indices count from the end of the list.
func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	entry, ok := s.dict.Get(key)
	if !ok {
		return nil, nil
	}
	if entry.Type != engine.TypeList {
		return nil, errors.ErrWrongType
	}

	n := int64(len(entry.List))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	return entry.List[start : stop+1], nil
}

func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	entry, ok := s.dict.Get(key)
	if !ok {
		return 0, nil
	}
	if entry.Type != engine.TypeList {
		return 0, errors.ErrWrongType
	}
	return int64(len(entry.List)), nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.stats.DelOps.Add(1)
	return s.dict.Del(keys...), nil
}

func (s *Store) Exists(_ context.Context, keys ...string) (int64, error) {
	return s.dict.Exists(keys...), nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	return s.dict.Keys(pattern), nil
}

func (s *Store) Scan(_ context.Context, cursor uint64, pattern string, count int) ([]string, uint64, error) {
	keys, next := s.dict.Scan(cursor, pattern, count)
	return keys, next, nil
}

func (s *Store) Type(_ context.Context, key string) (string, error) {
	entry, ok := s.dict.Get(key)
	if !ok {
		return "none", nil
	}
	return entry.Type.String(), nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return s.dict.Del(key) > 0, nil
	}
	return s.dict.Expire(key, ttl), nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	ttl, ok := s.dict.TTL(key)
	if !ok {
		return -2, nil
	}
	return ttl, nil
}

func (s *Store) Persist(_ context.Context, key string) (bool, error) {
	ttl, ok := s.dict.TTL(key)
	if !ok || ttl == -1 {
		return false, nil
	}
	return s.dict.Expire(key, 0), nil
}

func (s *Store) Revision(key string) uint64 {
	return s.dict.Revision(key)
}

func (s *Store) DBSize(_ context.Context) (int64, error) {
	return s.dict.Len(), nil
}

func (s *Store) FlushDB(_ context.Context) error {
	s.dict.Clear()
	return nil
}

func (s *Store) GetStats() *Stats {
	return s.stats
}

func (s *Store) Close() error {
	s.expires.Stop()
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
