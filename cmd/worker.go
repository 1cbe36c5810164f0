package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs monitoring sessions and booking automation from the queue",
		Long: `Consumes monitor and booking tasks from the shared queue (queue.driver=redis)
and reports every status event to the serve process at events.ingest_url.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if a.Config().Queue.Driver == "memory" {
				a.Logger().Warn("worker with the memory queue receives no tasks; use 'slotwatch all' or queue.driver=redis")
			}
			notifier, err := a.RemoteNotifier()
			if err != nil {
				return err
			}
			w, err := a.Worker(ctx, notifier)
			if err != nil {
				return err
			}
			a.Logger().Info("worker started")
			return w.Run(ctx)
		},
	}
}
