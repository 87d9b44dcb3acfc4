package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/chakravyuh/internal/http"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP query API",
		Long: `Serve the HTTP query API until SIGINT or SIGTERM.

Endpoints:
  GET    /health
  GET    /metrics
  POST   /api/v1/ask
  POST   /api/v1/search
  POST   /api/v1/ingest
  POST   /api/v1/evaluate
  DELETE /api/v1/sources/:id

Callers identify themselves with the X-User-ID and X-User-Roles headers.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

// runServe blocks until the command context is cancelled, then shuts the
// server down within server.shutdown_timeout.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := httpserver.NewServer(a.runtime.Service, a.logger, &httpserver.Config{
		Host:      a.cfg.Server.Host,
		Port:      a.cfg.Server.Port,
		BodyLimit: a.cfg.Server.BodyLimit,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info(context.Background(), "received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error(shutdownCtx, "shutdown error", zap.Error(err))
		return err
	}
	a.logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}
