// Package rendezvous lets a fixed group of processes exchange small values,
// typically network addresses, before forming a collective group.
package rendezvous

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/kvstore"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

const (
	// DefaultTimeout bounds Get and Wait.
	DefaultTimeout = 300 * time.Second

	pollInterval = 10 * time.Millisecond
)

// Store is a set-once key/value exchange.
type Store interface {
	// Set writes key once; a second Set of the same key fails with
	// ErrKeyExists.
	Set(ctx context.Context, key string, value []byte) error
	// Get blocks until key exists and returns its value.
	Get(ctx context.Context, key string) ([]byte, error)
	// Check reports whether every key exists.
	Check(ctx context.Context, keys []string) (bool, error)
	// Wait blocks until every key exists or the timeout passes.
	Wait(ctx context.Context, keys []string) error
	// SetTimeout changes the Get/Wait timeout. Zero waits forever.
	SetTimeout(d time.Duration)
	// Close deletes the keys this instance set. Errors are ignored.
	Close() error
}

// checker is the part of a Store that wait polls.
type checker interface {
	Check(ctx context.Context, keys []string) (bool, error)
}

func wait(ctx context.Context, s checker, keys []string, timeout time.Duration) error {
	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := s.Check(ctx, keys)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if timeout != 0 && time.Since(start) > timeout {
			return fmt.Errorf("%w for key(s): [%s]", cerrors.ErrWaitTimeout, strings.Join(keys, ", "))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Open creates a store from a rendezvous method: "store://host:port/prefix"
// for the coordination store, or "file:/path" for a shared directory.
func Open(method string, logger *zap.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(method, "store://"):
		u, err := url.Parse(method)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: %q", cerrors.ErrUnknownRendezvous, method)
		}
		prefix := strings.Trim(u.Path, "/")
		if prefix == "" {
			prefix = "c10d"
		}
		cfg := kvstore.DefaultConfig()
		cfg.Addr = u.Host
		cfg.Prefix = prefix
		client := kvstore.New(cfg, logger)
		s := NewKVStore(client, prefix, logger)
		s.ownsClient = true
		return s, nil
	case strings.HasPrefix(method, "file:"):
		dir := strings.TrimPrefix(method, "file:")
		if dir == "" {
			return nil, fmt.Errorf("%w: %q has no location", cerrors.ErrUnknownRendezvous, method)
		}
		return NewFileStore(dir)
	default:
		return nil, fmt.Errorf("%w: %q", cerrors.ErrUnknownRendezvous, method)
	}
}
