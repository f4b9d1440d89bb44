package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/membership"
)

func buildSchedCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sched",
		Short: "Scheduler-side operations on a job",
	}
	cmd.AddCommand(
		schedCommand(opts, "grant ID...", "Allow workers to boot", cobra.MinimumNArgs(1),
			func(c *schedCall) error {
				for _, id := range c.args {
					if err := c.sched.GrantBoot(c.ctx(), id); err != nil {
						return err
					}
				}
				return nil
			}),
		schedCommand(opts, "dead ID...", "Declare workers dead", cobra.MinimumNArgs(1),
			func(c *schedCall) error {
				for _, id := range c.args {
					if err := c.sched.MarkDead(c.ctx(), id); err != nil {
						return err
					}
				}
				return nil
			}),
		schedCommand(opts, "bump", "Make workers rescan their peers", cobra.NoArgs,
			func(c *schedCall) error {
				v, err := c.sched.BumpPeerVersion(c.ctx())
				if err != nil {
					return err
				}
				fmt.Fprintln(c.cmd.OutOrStdout(), v)
				return nil
			}),
		schedCommand(opts, "done", "Mark the job finished", cobra.NoArgs,
			func(c *schedCall) error {
				return c.sched.SetDone(c.ctx())
			}),
		schedCommand(opts, "jobspec ROLE=COUNT...", "Set the expected number of workers per role", cobra.MinimumNArgs(1),
			func(c *schedCall) error {
				specs, err := parseJobSpec(c.args)
				if err != nil {
					return err
				}
				return c.sched.SetJobSpec(c.ctx(), specs)
			}),
		schedCommand(opts, "command ID JSON", "Send a remote command to a worker", cobra.ExactArgs(2),
			func(c *schedCall) error {
				var body map[string]any
				if err := json.Unmarshal([]byte(c.args[1]), &body); err != nil {
					return fmt.Errorf("command for %s: %w", c.args[0], err)
				}
				return c.sched.SendCommand(c.ctx(), c.args[0], body)
			}),
		schedCommand(opts, "peers [ROLE]", "List live workers", cobra.MaximumNArgs(1),
			func(c *schedCall) error {
				role := kvstore.AnyRole
				if len(c.args) == 1 {
					role = c.args[0]
				}
				view := membership.New(c.client, membership.DefaultConfig(), opts.logger)
				peers, err := view.Peers(c.ctx(), role)
				if err != nil {
					return err
				}
				out := c.cmd.OutOrStdout()
				for _, p := range peers {
					fmt.Fprintf(out, "%s\t%s\n", p.ID, p.Host)
				}
				return nil
			}),
	)
	return cmd
}

type schedCall struct {
	cmd    *cobra.Command
	args   []string
	client *kvstore.Client
	sched  *kvstore.Scheduler
}

func (c *schedCall) ctx() context.Context { return c.cmd.Context() }

func schedCommand(opts *options, use, short string, args cobra.PositionalArgs, run func(*schedCall) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := kvstore.New(opts.cfg.KVStore(), opts.logger)
			defer client.Close()
			return run(&schedCall{
				cmd:    cmd,
				args:   args,
				client: client,
				sched:  kvstore.NewScheduler(client),
			})
		},
	}
}

func parseJobSpec(args []string) ([]kvstore.RoleSpec, error) {
	specs := make([]kvstore.RoleSpec, 0, len(args))
	for _, arg := range args {
		name, count, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid role %q, expected ROLE=COUNT", arg)
		}
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid count for role %s: %q", name, count)
		}
		specs = append(specs, kvstore.RoleSpec{Name: name, Count: n})
	}
	return specs, nil
}
