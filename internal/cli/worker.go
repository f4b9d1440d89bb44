package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/collective"
	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/worker"
)

func buildWorkerCommand(opts *options) *cobra.Command {
	var (
		id       string
		host     string
		services map[string]int
		world    bool
		fromEnv  bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker until the job is done or it is declared dead",
		Long: `Boot a worker, keep its heartbeat alive and report the live peers of
the job until the scheduler marks the job done or the worker dead.

With --world the process also joins the collective world group described by
the collective section of the config or, with --from-env, by CPID_RANK,
CPID_SIZE and CPID_RDVU.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wc := opts.cfg.WorkerConfig()
			if id != "" {
				wc.ID = id
			}
			if host != "" {
				wc.Host = host
			}
			if len(services) > 0 {
				wc.Services = services
			}
			wc.Level = &opts.level

			var cluster *collective.ClusterConfig
			if world {
				cluster = opts.cfg.ClusterConfig()
				if fromEnv {
					var err error
					if cluster, err = collective.ClusterConfigFromEnv(); err != nil {
						return err
					}
				}
				cluster.Host = wc.Host
			}
			return runWorker(cmd, opts, wc, cluster)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&id, "id", "", "worker ID, {role}_{index} (overrides worker.id)")
	flags.StringVar(&host, "host", "", "address advertised to peers")
	flags.StringToIntVar(&services, "service", nil, "advertised service ports, name=port")
	flags.BoolVar(&world, "world", false, "join the collective world group")
	flags.BoolVar(&fromEnv, "from-env", false, "read the world group from the environment")
	return cmd
}

func runWorker(cmd *cobra.Command, opts *options, wc *worker.Config, cluster *collective.ClusterConfig) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	stopExporter := opts.startExporter()
	defer stopExporter()

	w, err := worker.New(ctx, wc, opts.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			opts.logger.Warn("error closing worker", zap.Error(err))
		}
	}()
	logger := opts.logger.With(zap.String("id", w.Info().ID))
	logger.Info("worker started", zap.String("host", w.Info().Host), zap.Any("services", w.Info().Services))

	if cluster != nil {
		rt, err := collective.NewCollectiveRuntime(ctx, cluster, opts.logger)
		if err != nil {
			return err
		}
		collective.SetGlobal(rt)
		defer func() {
			collective.SetGlobal(nil)
			_ = rt.Close()
		}()
		if err := rt.Context().Barrier().Wait(ctx); err != nil {
			return err
		}
		logger.Info("joined world group", zap.Int("rank", rt.Context().Rank()), zap.Int("size", rt.Context().Size()))
	}

	reporter := worker.NewReporter(w, "worker", wc.HeartbeatInterval)
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		if err := reporter.Close(cctx); err != nil {
			logger.Warn("unable to flush metrics", zap.Error(err))
		}
	}()

	return superviseWorker(ctx, w, reporter, logger)
}

// superviseWorker polls the job state until it ends.
func superviseWorker(ctx context.Context, w *worker.Worker, reporter *worker.Reporter, logger *zap.Logger) error {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted")
			return nil
		case <-ticker.C:
		}

		done, err := w.IsDone(ctx)
		if err != nil {
			logger.Warn("unable to read job state", zap.Error(err))
			continue
		}
		if w.ConsideredDead() {
			logger.Warn("declared dead by the scheduler")
			return nil
		}
		if done {
			logger.Info("job done")
			return nil
		}

		peers, err := w.Peers(ctx, kvstore.AnyRole)
		if err != nil {
			logger.Warn("unable to list peers", zap.Error(err))
			continue
		}
		if len(peers) != last {
			logger.Info("peers changed", zap.Int("count", len(peers)))
			last = len(peers)
		}
		reporter.Push("peers", float64(len(peers)), worker.AggLast)
		reporter.Push("uptime_s", time.Since(start).Seconds(), worker.AggLast)
	}
}
