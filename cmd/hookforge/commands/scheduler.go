package commands

import (
	"context"

	"github.com/spf13/cobra"

	"oss.nandlabs.io/hookforge/lifecycle"
	"oss.nandlabs.io/hookforge/scheduler"
)

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the poller that claims due jobs and enqueues executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			poller := scheduler.New(d.gateway, d.store, d.brk, d.metrics, scheduler.DefaultConfig())

			manager := lifecycle.NewSimpleComponentManager()
			manager.Register(runnable("scheduler-poller", poller.Run))
			manager.Register(runnable("metrics-server", func(ctx context.Context) error {
				return d.metrics.Serve(ctx, d.env.metricsAddr)
			}))
			manager.StartAndWait()
			return nil
		},
	}
}
