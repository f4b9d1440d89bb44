// Package cli implements the cpid command line.
//
//	cpid store                      # serve the coordination store
//	cpid worker --id train_0        # run a worker until the job is done
//	cpid sched grant train_0        # scheduler-side operations
//	cpid checkpoint ls --dir ./ckpt # inspect model checkpoints
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/10yihang/cpid/internal/config"
	"github.com/10yihang/cpid/internal/metrics"
)

// Version is set at build time.
var Version = "dev"

type options struct {
	configFile string
	verbose    bool
	storeAddr  string
	prefix     string

	level  zap.AtomicLevel
	logger *zap.Logger
	cfg    *config.Config
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "cpid",
		Short:         "Coordination layer for distributed training jobs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file path")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "development logging at debug level")
	flags.StringVar(&opts.storeAddr, "store", "", "coordination store address (overrides store.addr)")
	flags.StringVar(&opts.prefix, "prefix", "", "key prefix of the job (overrides store.prefix)")

	root.AddCommand(
		buildStoreCommand(opts),
		buildWorkerCommand(opts),
		buildSchedCommand(opts),
		buildCheckpointCommand(opts),
	)
	return root
}

func (o *options) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	if o.storeAddr != "" {
		cfg.Store.Addr = o.storeAddr
	}
	if o.prefix != "" {
		cfg.Store.Prefix = o.prefix
	}
	o.cfg = cfg

	o.logger, o.level, err = newLogger(o.verbose)
	if err != nil {
		return err
	}
	o.logger.Debug("configuration loaded", zap.String("file", o.configFile), zap.String("command", cmd.Name()))
	return nil
}

func newLogger(verbose bool) (*zap.Logger, zap.AtomicLevel, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, zcfg.Level, err
	}
	return logger, zcfg.Level, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// startExporter serves /metrics when enabled in the config. The returned
// func stops it.
func (o *options) startExporter() func() {
	if !o.cfg.Metrics.Enabled {
		return func() {}
	}
	exp := metrics.NewExporter(o.cfg.Metrics.Addr)
	go func() {
		if err := exp.Start(); err != nil {
			o.logger.Error("metrics exporter stopped", zap.Error(err))
		}
	}()
	o.logger.Info("metrics exporter started", zap.String("addr", o.cfg.Metrics.Addr))
	return func() {
		if err := exp.Stop(); err != nil {
			o.logger.Warn("error stopping metrics exporter", zap.Error(err))
		}
	}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}
