package memory

import (
	"hash/maphash"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/10yihang/cpid/internal/engine"
)

const (
	defaultShardCount = 64
	cacheLineSize     = 64 // CPU cache line size for padding
)

// Entry is one value in the keyspace. String values live in Value,
// list values in List.
type Entry struct {
	Type      engine.ValueType
	Value     []byte
	List      [][]byte
	expireAt  atomic.Int64 // Unix nanoseconds, 0 means never expires
	revision  uint64
	CreatedAt int64
	UpdatedAt int64
}

// IsExpired checks if entry has expired
func (e *Entry) IsExpired() bool {
	expireAt := e.expireAt.Load()
	if expireAt == 0 {
		return false
	}
	return time.Now().UnixNano() > expireAt
}

// SetExpireAt sets expiration time atomically
func (e *Entry) SetExpireAt(t int64) {
	e.expireAt.Store(t)
}

// GetExpireAt returns expiration time
func (e *Entry) GetExpireAt() int64 {
	return e.expireAt.Load()
}

// Revision returns the write revision of the entry.
func (e *Entry) Revision() uint64 {
	return e.revision
}

// Shard represents a keyspace partition with cache line padding
type Shard struct {
	mu    sync.RWMutex
	items map[string]*Entry
	_     [cacheLineSize - 32]byte
}

// Dict is a sharded dictionary. Every write stamps the entry with a
// dictionary-wide revision so optimistic transactions can detect changes.
type Dict struct {
	shards     []*Shard
	shardCount uint32
	seed       maphash.Seed
	revision   atomic.Uint64
}

// NewDict creates a new sharded dictionary
func NewDict(shardCount int) *Dict {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}

	d := &Dict{
		shards:     make([]*Shard, shardCount),
		shardCount: uint32(shardCount),
		seed:       maphash.MakeSeed(),
	}

	for i := 0; i < shardCount; i++ {
		d.shards[i] = &Shard{
			items: make(map[string]*Entry),
		}
	}

	return d
}

func (d *Dict) hash(key string) uint64 {
	return maphash.String(d.seed, key)
}

func (d *Dict) getShard(key string) *Shard {
	return d.shards[d.hash(key)%uint64(d.shardCount)]
}

func (d *Dict) newEntry(t engine.ValueType, ttl time.Duration) *Entry {
	now := time.Now().UnixNano()
	entry := &Entry{
		Type:      t,
		revision:  d.revision.Add(1),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		entry.expireAt.Store(now + int64(ttl))
	}
	return entry
}

// Get retrieves an entry by key. Expired entries are removed lazily.
func (d *Dict) Get(key string) (*Entry, bool) {
	shard := d.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if entry.IsExpired() {
		d.delExpired(key)
		return nil, false
	}

	return entry, true
}

func (d *Dict) delExpired(key string) bool {
	shard := d.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.items[key]; ok && entry.IsExpired() {
		delete(shard.items, key)
		return true
	}
	return false
}

// Set stores a string value with optional TTL
func (d *Dict) Set(key string, value []byte, ttl time.Duration) {
	entry := d.newEntry(engine.TypeString, ttl)
	entry.Value = value

	shard := d.getShard(key)
	shard.mu.Lock()
	shard.items[key] = entry
	shard.mu.Unlock()
}

// SetNX sets value only if key does not exist.
func (d *Dict) SetNX(key string, value []byte, ttl time.Duration) bool {
	shard := d.getShard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.items[key]; ok && !entry.IsExpired() {
		return false
	}

	entry := d.newEntry(engine.TypeString, ttl)
	entry.Value = value
	shard.items[key] = entry
	return true
}

// SetXX sets value only if key exists.
func (d *Dict) SetXX(key string, value []byte, ttl time.Duration) bool {
	shard := d.getShard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.items[key]; !ok || entry.IsExpired() {
		return false
	}

	entry := d.newEntry(engine.TypeString, ttl)
	entry.Value = value
	shard.items[key] = entry
	return true
}

// Update replaces the entry under key with the result of fn, under the
// shard lock. fn receives nil when the key is absent or expired. Returning
// a nil entry deletes the key.
func (d *Dict) Update(key string, fn func(old *Entry) (*Entry, error)) error {
	shard := d.getShard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	old, ok := shard.items[key]
	if ok && old.IsExpired() {
		old = nil
	}

	next, err := fn(old)
	if err != nil {
		return err
	}
	if next == nil {
		delete(shard.items, key)
		return nil
	}
	next.revision = d.revision.Add(1)
	next.UpdatedAt = time.Now().UnixNano()
	shard.items[key] = next
	return nil
}

// Del deletes one or more keys
func (d *Dict) Del(keys ...string) int64 {
	var count int64
	for _, key := range keys {
		shard := d.getShard(key)
		shard.mu.Lock()
		if entry, ok := shard.items[key]; ok {
			delete(shard.items, key)
			if !entry.IsExpired() {
				count++
			}
		}
		shard.mu.Unlock()
	}
	return count
}

// Exists counts the keys that exist
func (d *Dict) Exists(keys ...string) int64 {
	var count int64
	for _, key := range keys {
		if _, ok := d.Get(key); ok {
			count++
		}
	}
	return count
}

// Keys returns keys matching pattern
func (d *Dict) Keys(pattern string) []string {
	var result []string

	for _, shard := range d.shards {
		shard.mu.RLock()
		for key, entry := range shard.items {
			if !entry.IsExpired() && matchPattern(pattern, key) {
				result = append(result, key)
			}
		}
		shard.mu.RUnlock()
	}

	return result
}

type hashedKey struct {
	hash uint64
	key  string
}

// Scan walks the keyspace in hash order. The cursor is the lowest hash not
// yet visited; 0 is returned once every key has been visited. Keys present
// for the whole iteration are returned exactly once.
func (d *Dict) Scan(cursor uint64, pattern string, count int) ([]string, uint64) {
	if count <= 0 {
		count = 10
	}

	var candidates []hashedKey
	for _, shard := range d.shards {
		shard.mu.RLock()
		for key, entry := range shard.items {
			if entry.IsExpired() {
				continue
			}
			if h := d.hash(key); h >= cursor {
				candidates = append(candidates, hashedKey{hash: h, key: key})
			}
		}
		shard.mu.RUnlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hash != candidates[j].hash {
			return candidates[i].hash < candidates[j].hash
		}
		return candidates[i].key < candidates[j].key
	})

	end := count
	if end >= len(candidates) {
		end = len(candidates)
	} else {
		// Never split keys sharing a hash across two batches.
		for end < len(candidates) && candidates[end].hash == candidates[end-1].hash {
			end++
		}
	}

	var keys []string
	for _, c := range candidates[:end] {
		if matchPattern(pattern, c.key) {
			keys = append(keys, c.key)
		}
	}

	if end == len(candidates) {
		return keys, 0
	}
	return keys, candidates[end-1].hash + 1
}

// Len returns the total number of keys
func (d *Dict) Len() int64 {
	var count int64
	for _, shard := range d.shards {
		shard.mu.RLock()
		count += int64(len(shard.items))
		shard.mu.RUnlock()
	}
	return count
}

// Expire sets TTL on a key. A non-positive ttl removes the expiry.
func (d *Dict) Expire(key string, ttl time.Duration) bool {
	shard := d.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[key]
	if !ok || entry.IsExpired() {
		return false
	}

	if ttl > 0 {
		entry.SetExpireAt(time.Now().UnixNano() + int64(ttl))
	} else {
		entry.SetExpireAt(0)
	}
	entry.revision = d.revision.Add(1)

	return true
}

// TTL returns remaining TTL for a key
func (d *Dict) TTL(key string) (time.Duration, bool) {
	entry, ok := d.Get(key)
	if !ok {
		return -2, false
	}

	expireAt := entry.GetExpireAt()
	if expireAt == 0 {
		return -1, true
	}

	remaining := expireAt - time.Now().UnixNano()
	if remaining < 0 {
		return -2, false
	}

	return time.Duration(remaining), true
}

// Revision returns the revision of key, or 0 when it does not exist.
func (d *Dict) Revision(key string) uint64 {
	entry, ok := d.Get(key)
	if !ok {
		return 0
	}
	shard := d.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return entry.revision
}

// RandomKeys returns up to n keys
func (d *Dict) RandomKeys(n int) []string {
	result := make([]string, 0, n)

	for _, shard := range d.shards {
		shard.mu.RLock()
		for key := range shard.items {
			result = append(result, key)
			if len(result) >= n {
				shard.mu.RUnlock()
				return result
			}
		}
		shard.mu.RUnlock()
	}

	return result
}

// Clear removes all entries
func (d *Dict) Clear() {
	for _, shard := range d.shards {
		shard.mu.Lock()
		shard.items = make(map[string]*Entry)
		shard.mu.Unlock()
	}
}

// matchPattern performs glob pattern matching using path.Match
func matchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	matched, _ := path.Match(pattern, key)
	return matched
}
