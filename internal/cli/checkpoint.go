package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/checkpoint"
	"github.com/10yihang/cpid/internal/pubsub"
)

func buildCheckpointCommand(opts *options) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and serve model checkpoints",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "checkpoint directory (overrides checkpoint.dir)")

	open := func() (*checkpoint.Store, error) {
		if dir == "" {
			dir = opts.cfg.Checkpoint.Dir
		}
		if dir == "" {
			return nil, fmt.Errorf("no checkpoint directory configured")
		}
		return checkpoint.Open(dir)
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List checkpoint tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			tags, err := store.Tags(cmd.Context())
			if err != nil {
				return err
			}
			for _, tag := range tags {
				fmt.Fprintln(cmd.OutOrStdout(), tag)
			}
			return nil
		},
	}

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("keep") {
				keep = opts.cfg.Checkpoint.Keep
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", n)
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 0, "number of checkpoints to keep (overrides checkpoint.keep)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Publish the latest checkpoint to subscribers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			pub, err := pubsub.NewPublisher(opts.cfg.PublisherConfig(), opts.logger)
			if err != nil {
				return err
			}
			p, err := checkpoint.NewPublisher(ctx, pub, store, opts.cfg.Checkpoint.Keep, opts.logger)
			if err != nil {
				_ = pub.Close()
				return err
			}
			defer p.Close()
			opts.logger.Info("serving checkpoints", zap.String("endpoint", p.Endpoint()), zap.String("dir", dir))
			<-ctx.Done()
			return nil
		},
	}

	cmd.AddCommand(ls, prune, serve)
	return cmd
}
