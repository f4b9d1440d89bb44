package cli

import (
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/engine/memory"
	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/internal/protocol"
)

func buildStoreCommand(opts *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Serve the coordination store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				opts.cfg.Store.Listen = listen
			}
			return runStore(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to serve on (overrides store.listen)")
	return cmd
}

func runStore(cmd *cobra.Command, opts *options) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	metrics.InitInfo(Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	stopExporter := opts.startExporter()
	defer stopExporter()

	mcfg := memory.DefaultConfig()
	if opts.cfg.Store.Shards > 0 {
		mcfg.ShardCount = opts.cfg.Store.Shards
	}
	store := memory.NewStore(mcfg)
	defer func() {
		if err := store.Close(); err != nil {
			opts.logger.Warn("error closing keyspace", zap.Error(err))
		}
	}()

	srv := protocol.NewServer(opts.cfg.Store.Listen, store, opts.logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	opts.logger.Info("shutting down")
	return srv.Stop()
}
