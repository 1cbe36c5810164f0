package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Runs the API and a worker in one process",
		Long: `Runs serve and worker together. The worker delivers events straight
to the in-process bus instead of the ingestion webhook, applying booking
status on the way.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			notifier, err := a.LocalNotifier(ctx)
			if err != nil {
				return err
			}
			w, err := a.Worker(ctx, notifier)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(gctx) })
			g.Go(func() error { return serveHTTP(gctx, a) })
			return g.Wait()
		},
	}
}
