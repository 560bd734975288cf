package commands

import (
	"context"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"oss.nandlabs.io/hookforge/lifecycle"
	wk "oss.nandlabs.io/hookforge/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the execution worker pool that performs outbound webhook calls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			hostname, _ := os.Hostname()
			manager := lifecycle.NewSimpleComponentManager()

			for i := 0; i < d.env.workerPoolMax; i++ {
				w := wk.New(d.gateway, d.limiter, d.http, d.brk, d.metrics, wk.Config{
					WorkerID: hostname,
					Policy:   wk.DefaultRetryPolicy(),
				})
				manager.Register(runnable("execution-worker-"+strconv.Itoa(i), w.Run))
			}
			manager.Register(runnable("metrics-server", func(ctx context.Context) error {
				return d.metrics.Serve(ctx, d.env.metricsAddr)
			}))
			manager.StartAndWait()
			return nil
		},
	}
}
