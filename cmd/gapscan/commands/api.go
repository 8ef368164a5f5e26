package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gapscan/internal/api"
	"gapscan/internal/api/handlers"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve discovery results over HTTP",
	Long: `Starts the read-only HTTP API. Hit listings are served only for
dates whose completeness audit was accepted.

Example:
  go run ./cmd/gapscan api`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer d.close()

	handler := handlers.NewDiscoveryHandler(d.hitsRepo, d.complRepo, d.failures, d.logger)
	router := api.NewRouter(handler, d.logger)
	server := api.New(d.cfg, d.logger, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		d.logger.WithField("signal", sig.String()).Info("shutting down API server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
