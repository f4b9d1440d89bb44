// Package engine defines the core storage engine interfaces.
package engine

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrNotSupported = errors.New("operation not supported")
)

// ValueType represents the type of value stored.
type ValueType int

const (
	TypeString ValueType = iota
	TypeList
)

// String returns the name reported by the TYPE command.
func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	default:
		return "none"
	}
}

// Entry represents a key-value entry with metadata.
type Entry struct {
	Key       string
	Value     []byte
	Type      ValueType
	ExpireAt  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Engine is the keyspace used by the coordination store.
type Engine interface {
	StringEngine
	ListEngine

	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Scan(ctx context.Context, cursor uint64, pattern string, count int) ([]string, uint64, error)
	Type(ctx context.Context, key string) (string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Persist(ctx context.Context, key string) (bool, error)

	// Revision returns a number that changes whenever key is written,
	// deleted or expires. Absent keys report zero.
	Revision(key string) uint64

	DBSize(ctx context.Context) (int64, error)
	FlushDB(ctx context.Context) error

	Close() error
}

// StringEngine defines string type operations.
type StringEngine interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	SetXX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	GetSet(ctx context.Context, key string, value []byte) ([]byte, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	MGetBytes(ctx context.Context, keys ...string) ([][]byte, error)
}

// ListEngine defines list type operations.
type ListEngine interface {
	RPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LLen(ctx context.Context, key string) (int64, error)
}

// BlobEngine is a durable byte store keyed by string.
type BlobEngine interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
