package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the management API, event webhook and observer stream",
		Long: `Serves the monitor and booking API, accepts events from workers on
POST /webhooks/monitor-event and streams them to observers connected to
/ws/monitor-updates. Tasks are handed to workers through the configured queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if a.Config().Queue.Driver == "memory" {
				a.Logger().Warn("serve with the memory queue has no workers; use 'slotwatch all' or queue.driver=redis")
			}
			return serveHTTP(ctx, a)
		},
	}
}

// serveHTTP runs the API until ctx ends, then drains in-flight requests.
func serveHTTP(ctx context.Context, a *app.App) error {
	server, err := a.Server(ctx)
	if err != nil {
		return err
	}
	cfg := a.Config()
	port := cfg.Server.Port
	if env := os.Getenv("PORT"); env != "" {
		if p, convErr := strconv.Atoi(env); convErr == nil {
			port = p
		}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger().Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.Logger().Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger().Error("server shutdown error", zap.Error(err))
	}
	return nil
}
