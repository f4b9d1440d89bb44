// Package kvstore is the client side of the coordination store: a go-redis
// client with a reconnect policy, the job key layout and scheduler tooling.
package kvstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// Config configures a store client.
type Config struct {
	Addr         string
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:6379",
		Prefix:       "cpid",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PoolSize:     8,
	}
}

// Client wraps a go-redis client. Callers that see an error use Do to get
// the reconnect-then-retry behaviour.
type Client struct {
	cfg    Config
	keys   Keys
	logger *zap.Logger

	mu     sync.RWMutex
	rdb    *redis.Client
	closed bool
}

// New creates a client. No connection is made until the first command.
func New(cfg *Config, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    *cfg,
		keys:   Keys{Prefix: cfg.Prefix},
		logger: logger.Named("kvstore").With(zap.String("addr", cfg.Addr)),
	}
	c.rdb = c.dial()
	return c
}

func (c *Client) dial() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         c.cfg.Addr,
		Protocol:     2,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		PoolSize:     c.cfg.PoolSize,
		MaxRetries:   -1,
	})
}

// Redis returns the current underlying client.
func (c *Client) Redis() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

// Keys returns the key layout for this client's prefix.
func (c *Client) Keys() Keys {
	return c.keys
}

// Addr is the store address.
func (c *Client) Addr() string {
	return c.cfg.Addr
}

// IsConnected pings the store.
func (c *Client) IsConnected(ctx context.Context) bool {
	return c.Redis().Ping(ctx).Err() == nil
}

// Reconnect replaces the underlying client and verifies the new one with a
// ping.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cerrors.ErrClosed
	}
	old := c.rdb
	c.rdb = c.dial()
	rdb := c.rdb
	c.mu.Unlock()

	_ = old.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("reconnect to %s: %w", c.cfg.Addr, err)
	}
	c.logger.Info("reconnected")
	return nil
}

// Do runs fn against the store. When fn fails and the store does not answer
// a ping, the client reconnects and retries; errors seen while the
// connection is healthy are returned to the caller unchanged.
func (c *Client) Do(ctx context.Context, fn func(rdb *redis.Client) error) error {
	for {
		err := fn(c.Redis())
		if err == nil || err == redis.Nil || ctx.Err() != nil {
			return err
		}
		if c.IsConnected(ctx) {
			return err
		}
		c.logger.Warn("store error, reconnecting", zap.Error(err))
		if rerr := c.Reconnect(ctx); rerr != nil {
			return rerr
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rdb.Close()
}
