// Command cache-node runs the content cache node: it tracks pins on the
// local storage daemon, validates them, migrates accepted content to the
// supernode, and reclaims local space once replication is confirmed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/admin"
	"github.com/ipfs-cluster/cache-node/config"
	"github.com/ipfs-cluster/cache-node/events"
	"github.com/ipfs-cluster/cache-node/ipfsnode"
	"github.com/ipfs-cluster/cache-node/registry"
	"github.com/ipfs-cluster/cache-node/supernode"
	"github.com/ipfs-cluster/cache-node/validation"
	"github.com/ipfs-cluster/cache-node/workers"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configFile = flag.String("config", "cache-node.json", "path to the JSON config file")
		devMode    = flag.Bool("dev", false, "use an in-memory registry and debug logging")
	)
	flag.Parse()

	if err := run(*configFile, *devMode); err != nil {
		fmt.Fprintf(os.Stderr, "cache-node: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string, devMode bool) error {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return err
	}

	logger, err := buildLogger(devMode)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())

	var store registry.Store
	if devMode {
		logger.Warn("dev mode: using in-memory registry, state will not survive restarts")
		store = registry.NewMemoryStore()
	} else {
		scylla, err := registry.NewScyllaStore(ctx, cfg.Registry, logger.Named("registry"),
			registry.NewMetrics(promRegistry))
		if err != nil {
			return err
		}
		defer scylla.Close()
		store = scylla
	}

	nc, err := events.Connect(cfg.Events, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}
	recorder := events.NewRecorder(store, nc, cfg.Events.EventsSubject, logger.Named("events"))
	notifier := events.NewNotifier(nc, cfg.Events.AlertsSubject, logger.Named("events"))

	node, err := ipfsnode.NewClient(cfg.Node, logger.Named("ipfsnode"))
	if err != nil {
		return err
	}
	target, err := supernode.NewClient(cfg.Supernode, logger.Named("supernode"))
	if err != nil {
		return err
	}
	source, err := validation.NewSource(cfg.Validation)
	if err != nil {
		return err
	}

	workerMetrics := workers.NewMetrics(promRegistry)
	discovery := workers.NewDiscovery(store, node, recorder, workerMetrics, logger)
	validationWorker := workers.NewValidation(store, source, recorder, workerMetrics, logger)
	migration := workers.NewMigration(cfg.Migration, store, store, target, recorder, notifier, workerMetrics, logger)
	cleanup := workers.NewCleanup(cfg.Cleanup, store, store, node, recorder, notifier, workerMetrics, logger)

	scheduler := workers.NewScheduler([]workers.Entry{
		{Worker: discovery, Interval: cfg.Intervals.Discovery.Std()},
		{Worker: validationWorker, Interval: cfg.Intervals.Validation.Std()},
		{Worker: migration, Interval: cfg.Intervals.Migration.Std()},
		{Worker: cleanup, Interval: cfg.Intervals.Cleanup.Std()},
	}, recorder, logger)
	scheduler.Start(ctx)

	adminSrv := admin.NewServer(cfg.Admin, store, node, scheduler, migration, recorder, promRegistry, logger)
	adminErr := make(chan error, 1)
	go func() {
		adminErr <- adminSrv.Start()
	}()

	logger.Info("cache node started",
		zap.String("node_api", cfg.Node.APIURL),
		zap.String("supernode_api", cfg.Supernode.APIURL),
		zap.String("admin_addr", cfg.Admin.ListenAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-adminErr:
		if err != nil {
			logger.Error("admin server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown failed", zap.Error(err))
	}
	scheduler.Stop()
	logger.Info("cache node stopped")
	return nil
}

func buildLogger(devMode bool) (*zap.Logger, error) {
	if devMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
