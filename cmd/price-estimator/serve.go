package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tc.com/price-estimator/pkg/metrics"
	"tc.com/price-estimator/pkg/server/api"
	"tc.com/price-estimator/pkg/version"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}

	logger.Info("Starting price-estimator", "version", version.Version)

	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metrics.ServeHTTP(cfg.Metrics.Addr, cfg.Metrics.Path); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.cache.Warm(ctx); err != nil {
		logger.Warn("Failed to warm cache", "error", err)
	}
	go a.cache.Run(ctx, cfg.Estimator.SweepInterval.ToDuration())

	server := api.NewServer(cfg.Server.HTTP.Addr, a.estimator, logger.With("component", "http"))

	var wsServer *api.WebSocketServer
	if cfg.Server.WebSocket.Enabled {
		wsServer = api.NewWebSocketServer(cfg.Server.WebSocket.Addr, logger.With("component", "websocket"))
		wsServer.Attach(a.cache)
		go func() {
			if err := wsServer.Start(context.Background()); err != nil {
				logger.Error("WebSocket server error", "error", err)
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err = <-errChan:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down gracefully...")
	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("HTTP server shutdown failed", "error", stopErr)
	}
	if wsServer != nil {
		wsServer.Stop()
	}
	logger.Info("Shutdown complete")
	return err
}
