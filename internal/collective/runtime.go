package collective

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/rendezvous"
)

// DefaultTimeout applies to collective operations when ClusterConfig leaves
// Timeout unset.
const DefaultTimeout = 15 * time.Second

// ClusterConfig describes this process's place in the world group.
type ClusterConfig struct {
	Rank int
	Size int
	// Rendezvous is "store://host:port/prefix" or "file:/path". It may be
	// empty when Size is 1.
	Rendezvous string
	Timeout    time.Duration
	// Host is the address rank 0 advertises for its hub.
	Host string
}

// ClusterConfigFromEnv reads CPID_RANK, CPID_SIZE and CPID_RDVU, falling
// back to SLURM_PROCID and SLURM_NTASKS. Without either it describes a
// single process.
func ClusterConfigFromEnv() (*ClusterConfig, error) {
	cfg := &ClusterConfig{Rank: 0, Size: 1, Timeout: DefaultTimeout}

	rank, size := os.Getenv("CPID_RANK"), os.Getenv("CPID_SIZE")
	if rank == "" && size == "" {
		rank, size = os.Getenv("SLURM_PROCID"), os.Getenv("SLURM_NTASKS")
	}
	if rank != "" {
		v, err := strconv.Atoi(rank)
		if err != nil {
			return nil, fmt.Errorf("parse rank %q: %w", rank, err)
		}
		cfg.Rank = v
	}
	if size != "" {
		v, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", size, err)
		}
		cfg.Size = v
	}
	cfg.Rendezvous = os.Getenv("CPID_RDVU")
	if cfg.Rank < 0 || cfg.Size < 1 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("invalid rank %d for size %d", cfg.Rank, cfg.Size)
	}
	return cfg, nil
}

// Runtime owns the world Context built from a ClusterConfig.
type Runtime struct {
	cfg *ClusterConfig
	ctx *Context
}

// NewCollectiveRuntime opens the rendezvous store and joins the world group.
func NewCollectiveRuntime(ctx context.Context, cfg *ClusterConfig, logger *zap.Logger) (*Runtime, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	var store rendezvous.Store
	if cfg.Size > 1 {
		var err error
		store, err = rendezvous.Open(cfg.Rendezvous, logger)
		if err != nil {
			return nil, err
		}
		store.SetTimeout(2 * cfg.Timeout)
	}

	c, err := NewContext(ctx, store, cfg.Rank, cfg.Size, cfg.Timeout, &Options{Host: cfg.Host, Logger: logger})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return &Runtime{cfg: cfg, ctx: c}, nil
}

func (r *Runtime) Context() *Context { return r.ctx }

func (r *Runtime) Config() ClusterConfig { return *r.cfg }

func (r *Runtime) Close() error {
	return r.ctx.Close()
}

var global atomic.Pointer[Runtime]

// Global returns the runtime installed with SetGlobal, or nil.
func Global() *Runtime {
	return global.Load()
}

// SetGlobal installs r as the process-wide runtime. Only the outermost
// application layer should call it.
func SetGlobal(r *Runtime) {
	global.Store(r)
}
