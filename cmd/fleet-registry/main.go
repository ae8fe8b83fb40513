package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/kirychukyurii/fleet-registry/internal/agentctl"
	"github.com/kirychukyurii/fleet-registry/internal/api"
	"github.com/kirychukyurii/fleet-registry/internal/cluster"
	"github.com/kirychukyurii/fleet-registry/internal/config"
	"github.com/kirychukyurii/fleet-registry/internal/logger"
	"github.com/kirychukyurii/fleet-registry/internal/metrics"
	"github.com/kirychukyurii/fleet-registry/internal/monitoring"
	"github.com/kirychukyurii/fleet-registry/internal/policy"
	"github.com/kirychukyurii/fleet-registry/internal/region"
	"github.com/kirychukyurii/fleet-registry/internal/repository"
	"github.com/kirychukyurii/fleet-registry/internal/scheduler"
	"github.com/kirychukyurii/fleet-registry/internal/service"
	"github.com/kirychukyurii/fleet-registry/pkg/httpserver"
)

func main() {
	// Parse command line flags
	configPath := flag.StringP("config", "c", "config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured level is known
	log := logger.New()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	log = logger.FromConfig(cfg.Log.Level)
	log.Info("configuration loaded",
		"node", cfg.Cluster.NodeAddress,
		"region", cfg.Cluster.Region,
		"peers", len(cfg.Cluster.Peers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local agent store
	store, err := repository.NewSQLiteStore(cfg.Store.DSN)
	if err != nil {
		log.Error("failed to open agent store",
			"error", err.Error(),
		)
		os.Exit(1)
	}
	defer store.Close()

	// Replicated partition store
	var shared repository.PartitionStore
	if len(cfg.Etcd.Endpoints) > 0 {
		shared, err = repository.NewEtcdPartitionStore(cfg.Etcd, log)
		if err != nil {
			log.Error("failed to create etcd partition store",
				"error", err.Error(),
			)
			os.Exit(1)
		}
		log.Info("etcd client initialized",
			"endpoints", cfg.Etcd.Endpoints,
		)
	} else {
		log.Warn("no etcd endpoints configured, partitions are kept in memory")
		shared = repository.NewMemoryPartitionStore()
	}
	defer shared.Close()

	self := region.Peer{Address: cfg.Cluster.NodeAddress, Region: cfg.Cluster.Region}
	directory, err := region.New(self, cfg.Cluster.Enabled, region.PeersFromConfig(cfg.Cluster.Peers),
		shared, cfg.Cluster.MergeTimeout, log)
	if err != nil {
		log.Error("failed to create region directory",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	engine, err := policy.NewEngineFromFile(ctx, cfg.Policy.File)
	if err != nil {
		log.Error("failed to load entitlement policy",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	controller, err := agentctl.New(cfg.Nomad, log)
	if err != nil {
		log.Error("failed to create agent controller",
			"error", err.Error(),
		)
		os.Exit(1)
	}

	svc := service.NewAgentService(service.Options{
		Node:       cfg.Cluster.NodeAddress,
		Config:     cfg.Agent,
		Store:      store,
		Cluster:    cluster.New(cfg.Cluster.NodeAddress, shared, directory, cfg.Cluster.MergeTimeout, cfg.Cache.TTL, m, log),
		Directory:  directory,
		Policy:     engine,
		Controller: controller,
		Collector: monitoring.NewCollector(cfg.Cluster.NodeAddress, controller, shared,
			cfg.Monitoring.MaxConcurrent, cfg.Monitoring.SnapshotTTL, m, log),
		Shares:  shared,
		Metrics: m,
		Logger:  log,
	})

	// Advertise the local partition before serving
	if err := svc.Bootstrap(ctx); err != nil {
		log.Error("failed to bootstrap registry",
			"error", err.Error(),
		)
		// Don't exit - peers are picked up by the next refresh
	}

	runner := scheduler.NewRunner(log)
	runner.Add(scheduler.Task{Name: "liveness-sweep", Interval: cfg.Agent.SweepInterval, Run: func(ctx context.Context) error {
		_, err := svc.CheckAgentState(ctx)
		return err
	}})
	runner.Add(scheduler.Task{Name: "publish", Interval: cfg.Cluster.PublishInterval, Run: svc.PublishLocal})
	runner.Add(scheduler.Task{Name: "region-refresh", Interval: cfg.Cluster.RegionRefreshInterval, Run: svc.RefreshRegions})
	runner.Add(scheduler.Task{Name: "system-data", Interval: cfg.Monitoring.Interval, Run: func(ctx context.Context) error {
		_, err := svc.CollectAgentSystemData(ctx)
		return err
	}})
	runner.Start(ctx)

	handler := api.NewHandler(svc, prometheus.DefaultGatherer, cfg.Server.BasePath, log)
	srv := httpserver.New(
		cfg.Server.Addr,
		handler.Router(),
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		30*time.Second,
		log,
	)

	log.Info("starting fleet registry")
	if err := srv.Run(ctx); err != nil {
		log.Error("server error",
			"error", err.Error(),
		)
	}

	// Graceful shutdown
	stop()
	log.Info("shutting down task runner")
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to withdraw partition",
			"error", err.Error(),
		)
	}

	log.Info("shutdown complete")
}
