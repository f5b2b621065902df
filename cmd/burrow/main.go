package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"burrow/pkg/cache"
	"burrow/pkg/config"
	"burrow/pkg/dns"
	"burrow/pkg/forwarder"
	"burrow/pkg/logging"
	"burrow/pkg/storage"
	"burrow/pkg/telemetry"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("burrow starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Record store with its background reclaimer
	store, err := cache.New(&cfg.Cache, logger)
	if err != nil {
		logger.Error("Failed to initialize record store", "error", err)
		os.Exit(1)
	}

	if err := telem.ObserveCacheSize(func() int64 { return int64(store.Len()) }); err != nil {
		logger.Error("Failed to register cache size gauge", "error", err)
	}
	if err := telem.ObserveReclaimed(func() int64 { return int64(store.Stats().Reclaimed) }); err != nil {
		logger.Error("Failed to register reclaimed counter", "error", err)
	}

	// Seed the store from the previous snapshot, if any. A missing or
	// unreadable snapshot just means starting cold.
	var snapshots storage.Store
	if cfg.Snapshot.Enabled {
		sqlStore, err := storage.NewSQLiteStore(&cfg.Snapshot, logger)
		if err != nil {
			logger.Warn("Snapshot store unavailable, starting with an empty cache", "error", err)
		} else {
			snapshots = sqlStore
			records, err := sqlStore.Load(ctx)
			if err != nil {
				logger.Warn("Failed to load cache snapshot", "error", err)
			} else if len(records) > 0 {
				loaded := store.Restore(records)
				logger.Info("Cache seeded from snapshot", "records", loaded)
			}
		}
	}

	fwd, err := forwarder.New(&cfg.Upstream, logger)
	if err != nil {
		logger.Error("Failed to initialize forwarder", "error", err)
		os.Exit(1)
	}

	handler := dns.NewHandler(store, fwd, logger)
	server := dns.NewServer(cfg, handler, logger, metrics)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	// Hot-reload: retarget the forwarder when the config file changes
	watcher, err := config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Warn("Config watcher unavailable, upstream changes require a restart", "error", err)
	} else {
		watcher.OnChange(func(newCfg *config.Config) {
			fwd.Retarget(newCfg.Upstream.Address, newCfg.Upstream.Timeout)
		})
		go func() {
			if err := watcher.Start(serverCtx); err != nil {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(serverCtx); err != nil {
			errChan <- err
		}
	}()

	logger.Info("burrow is running",
		"address", cfg.Server.ListenAddress,
		"upstream", cfg.Upstream.Address,
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		serverCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}

		// Persist the cache before exiting
		if snapshots != nil {
			if err := snapshots.Save(shutdownCtx, store.Snapshot()); err != nil {
				logger.Error("Failed to save cache snapshot", "error", err)
			}
			if err := snapshots.Close(); err != nil {
				logger.Error("Failed to close snapshot store", "error", err)
			}
		}

		if err := store.Close(); err != nil {
			logger.Error("Error during record store shutdown", "error", err)
		}

		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}

		logger.Info("burrow stopped")

	case err := <-errChan:
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
