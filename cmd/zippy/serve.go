package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/zippy/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API. Uploads are compressed or extracted as background
tasks whose progress can be polled or streamed as server-sent events.

By default the server listens on server.listen from the config file
(default 127.0.0.1:8000). Use --listen to override.`,
		Example: `  zippy serve
  zippy serve --listen 0.0.0.0:9000`,
		Args: cobra.NoArgs,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalEngine == nil || globalFlags == nil {
		return fmt.Errorf("engine not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}
	if err := os.MkdirAll(globalCfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	enabled, err := globalFlags.Enabled()
	if err != nil {
		return fmt.Errorf("reading feature flags: %w", err)
	}
	logger.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir, "flags", enabled)
	srv := server.NewServer(globalEngine, globalFlags, globalStore, globalCfg, logger)

	errChan := make(chan error, 1)
	go func() {
		printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		printf("\nShutting down server...\n")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		printf("Server stopped gracefully\n")
	}
	return nil
}
