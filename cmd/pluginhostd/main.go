// Command pluginhostd is the plugin host daemon: it discovers plugin
// manifests, constructs the Manager and the Job Queue, and runs until
// asked to shut down.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cjmills/pluginhost/internal/config"
	"github.com/cjmills/pluginhost/internal/jobqueue"
	"github.com/cjmills/pluginhost/internal/pluginmanager"
	"github.com/cjmills/pluginhost/internal/pluginmanifest"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	logger := newLogger(cfg.LogLevel)
	logger.Info("pluginhostd starting", "plugin_dir", cfg.PluginDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := pluginmanifest.NewRegistry(cfg.PluginDir, pluginmanifest.WithLogger(logger))
	if err := registry.DiscoverManifests(ctx); err != nil {
		logger.Error("manifest discovery failed", "error", err)
		return 1
	}
	logger.Info("manifest discovery complete", "count", len(registry.All()))

	scheduler := jobqueue.NewQueueAwareScheduler()
	manager := pluginmanager.New(registry,
		pluginmanager.WithLogger(logger),
		pluginmanager.WithScheduler(scheduler),
		pluginmanager.WithCallTimeout(cfg.CallTimeout),
	)

	queue := jobqueue.New(manager,
		jobqueue.WithLogger(logger),
		jobqueue.WithMaxHistory(cfg.MaxHistory),
		jobqueue.WithStopTimeout(cfg.ShutdownGrace),
	)
	queue.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	cancel()
	queue.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	manager.UnloadAll(shutdownCtx)

	logger.Info("pluginhostd stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
