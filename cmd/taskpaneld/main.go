package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"taskpanel/internal/api"
	"taskpanel/internal/config"
	"taskpanel/internal/core"
	"taskpanel/internal/logging"
	taskpanelmcp "taskpanel/internal/mcp"
	"taskpanel/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.LogDir, cfg.Log.Retention)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	supervisor := core.NewSupervisor(cfg.WrapperPath, logger)
	scheduler := core.NewScheduler(storeInst, supervisor, logger)
	streamer := core.NewStreamer(storeInst, logger)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	scheduler.Start(ctx)
	if err := scheduler.Sync(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}

	switch cfg.Mode {
	case "http":
		runHTTPMode(cfg, storeInst, scheduler, streamer, logger)
	case "mcp":
		runMCPMode(storeInst, scheduler, streamer, logger, cancel)
	case "both":
		runBothMode(cfg, storeInst, scheduler, streamer, logger)
	}
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, st *store.Store, scheduler *core.Scheduler, streamer *core.Streamer, logger *slog.Logger) {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, scheduler, streamer, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdown(cfg, server, scheduler, logger)
}

// runMCPMode starts only the MCP server on stdio.
func runMCPMode(st *store.Store, scheduler *core.Scheduler, streamer *core.Streamer, logger *slog.Logger, cancel context.CancelFunc) {
	mcpServer := taskpanelmcp.NewMCPServer(st, scheduler, streamer, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("received signal, shutting down")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode starts the HTTP server plus the MCP server on stdio.
func runBothMode(cfg *config.Config, st *store.Store, scheduler *core.Scheduler, streamer *core.Streamer, logger *slog.Logger) {
	mcpServer := taskpanelmcp.NewMCPServer(st, scheduler, streamer, logger)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, scheduler, streamer, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdown(cfg, server, scheduler, logger)
}

// shutdown drains the HTTP server, then stops every supervised process and the
// timer loop. Supervised processes never outlive a controlled restart.
func shutdown(cfg *config.Config, server *api.Server, scheduler *core.Scheduler, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	scheduler.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
