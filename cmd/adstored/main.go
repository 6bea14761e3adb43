package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/adstore/internal/config"
	"github.com/devrev/pairdb/adstore/internal/health"
	"github.com/devrev/pairdb/adstore/internal/metrics"
	"github.com/devrev/pairdb/adstore/internal/server"
	"github.com/devrev/pairdb/adstore/internal/service"
	"github.com/devrev/pairdb/adstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/adstore/internal/util/eventloop"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("log_path", cfg.Storage.LogPath()),
		zap.Int("admin_port", cfg.Server.AdminPort),
		zap.Int("views", len(cfg.Views)))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Ad store stopped with error", zap.Error(err))
	}
	logger.Info("Ad store stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Create data directories
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.LogPath()), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Server.NodeID, registry)
	}

	disk, err := diskmanager.NewDiskManager(&diskmanager.Config{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           cfg.Disk.CheckInterval,
		WarningThreshold:        cfg.Disk.WarningThreshold,
		ThrottleThreshold:       cfg.Disk.ThrottleThreshold,
		CircuitBreakerThreshold: cfg.Disk.CircuitBreakerThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize disk manager: %w", err)
	}

	loop := eventloop.New(&eventloop.Config{
		Name:      "store",
		QueueSize: cfg.Server.QueueSize,
		Logger:    logger,
	})
	defer loop.Stop(cfg.Server.ShutdownTimeout)

	// Open the store and recreate the configured views on the loop, which
	// owns the store from here on.
	var store *service.StoreService
	err = loop.Do(context.Background(), "open-store", func(context.Context) error {
		var err error
		store, err = service.OpenStore(&service.StoreConfig{
			LogPath:             cfg.Storage.LogPath(),
			SyncWrites:          cfg.Storage.SyncWrites,
			MaxHistoricalLogs:   cfg.Storage.MaxHistoricalLogs,
			RootRank:            cfg.Collection.RootRank,
			ExpressionCacheSize: cfg.Collection.ExpressionCacheSize,
		}, disk, m, logger)
		if err != nil {
			return err
		}

		replay := store.Replay()
		logger.Info("Recovered records from commit log",
			zap.Int("applied", replay.Applied),
			zap.Int("transactions", replay.Transactions),
			zap.Int("corrupt", replay.Corrupt),
			zap.Bool("truncated", replay.Truncated),
			zap.Int("aborted_entries", replay.AbortedEntries))

		if _, err := store.DefineViews(viewDefinitions(cfg.Views)); err != nil {
			return multierr.Append(err, store.Close())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// Initialize change feed if enabled
	var feed *service.ChangeFeedService
	if cfg.ChangeFeed.Enabled {
		feedCfg := &service.ChangeFeedConfig{
			NodeID:       cfg.Server.NodeID,
			Brokers:      cfg.ChangeFeed.Brokers,
			Topic:        cfg.ChangeFeed.Topic,
			FlushTimeout: cfg.ChangeFeed.FlushTimeout,
		}
		client, err := service.NewKafkaProducer(feedCfg, logger)
		if err != nil {
			return closeStore(loop, store, fmt.Errorf("failed to initialize change feed: %w", err))
		}
		feed = service.NewChangeFeedService(feedCfg, client, m, logger)
		err = loop.Do(context.Background(), "add-change-feed", func(context.Context) error {
			store.AddListener(feed)
			return nil
		})
		if err != nil {
			feed.Close()
			return closeStore(loop, store, err)
		}
		logger.Info("Change feed initialized",
			zap.Strings("brokers", cfg.ChangeFeed.Brokers),
			zap.String("topic", cfg.ChangeFeed.Topic))
	}

	probe := func(ctx context.Context) (service.StoreStats, error) {
		var stats service.StoreStats
		err := loop.Do(ctx, "health-probe", func(context.Context) error {
			stats = store.Stats()
			return nil
		})
		return stats, err
	}
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:  cfg.Server.NodeID,
		DataDir: cfg.Storage.DataDir,
	}, disk, loop, probe, logger)

	admin := server.NewAdminServer(&server.AdminServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.AdminPort,
		MetricsPath:     cfg.Metrics.Path,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		CollectInterval: cfg.Metrics.CollectInterval,
	}, store, loop, checker, registry, m, disk, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		checker.Start(gctx, 10*time.Second)
		return nil
	})

	g.Go(admin.Run)

	g.Go(func() error {
		runCheckpoints(gctx, loop, store, cfg.Storage.CheckpointInterval, logger)
		return nil
	})

	// Handle graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		checker.SetDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return admin.Stop(shutdownCtx)
	})

	logger.Info("Ad store started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("admin_port", cfg.Server.AdminPort))

	err = g.Wait()

	// Close the store on the loop so queued tasks finish first. The feed is
	// closed after the store so no listener call races the flush.
	err = closeStore(loop, store, err)
	if feed != nil {
		if ferr := feed.Close(); ferr != nil {
			logger.Warn("Failed to close change feed", zap.Error(ferr))
		}
	}
	return err
}

// runCheckpoints rewrites the log every interval until ctx is done.
func runCheckpoints(ctx context.Context, loop *eventloop.Loop, store *service.StoreService, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := loop.Do(ctx, "checkpoint", func(context.Context) error {
				_, err := store.Checkpoint()
				return err
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("Periodic checkpoint failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func closeStore(loop *eventloop.Loop, store *service.StoreService, cause error) error {
	return multierr.Append(cause, loop.Do(context.Background(), "close-store", func(context.Context) error {
		return store.Close()
	}))
}

func viewDefinitions(views []config.ViewConfig) []service.ViewDefinition {
	defs := make([]service.ViewDefinition, 0, len(views))
	for _, v := range views {
		defs = append(defs, service.ViewDefinition{
			Name:       v.Name,
			Kind:       v.Kind,
			Parent:     v.Parent,
			Rank:       v.Rank,
			Constraint: v.Constraint,
			Attributes: v.Attributes,
		})
	}
	return defs
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = level
	return zcfg.Build()
}
