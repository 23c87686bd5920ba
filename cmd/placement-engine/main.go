package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/stamps/internal/config"
	"github.com/devrev/stamps/internal/handler"
	"github.com/devrev/stamps/internal/health"
	"github.com/devrev/stamps/internal/logging"
	"github.com/devrev/stamps/internal/metrics"
	"github.com/devrev/stamps/internal/notifier"
	"github.com/devrev/stamps/internal/server"
	"github.com/devrev/stamps/internal/service"
	"github.com/devrev/stamps/internal/store"
	"github.com/devrev/stamps/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.ServiceName)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting placement engine",
		zap.String("store_backend", cfg.Store.Backend),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.String("default_region", cfg.Placement.DefaultRegion),
		zap.Strings("regions", cfg.Placement.Regions))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer repo.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = store.NewRedisClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected", zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	}

	var cache store.Cache
	if redisClient != nil {
		cache = store.NewRedisCache(redisClient, cfg.Cache.KeyPrefix, logger)
	} else {
		memCache := store.NewInMemoryCache(cfg.Cache.MaxSize, logger)
		defer memCache.Close()
		cache = memCache
	}

	var inner notifier.Notifier = notifier.NewLogNotifier(logger)
	if cfg.Provisioning.Notifier == "redis" {
		inner = notifier.NewRedisStreamNotifier(redisClient, cfg.Provisioning.StreamName, cfg.Provisioning.StreamMaxLen, logger)
	}
	pool := workerpool.New(workerpool.Config{
		Name:       "cell-notifications",
		Workers:    cfg.Provisioning.Workers,
		QueueSize:  cfg.Provisioning.QueueSize,
		RetryDelay: time.Second,
		JobTimeout: 10 * time.Second,
		Logger:     logger,
	})
	cellNotifier := notifier.NewAsyncNotifier(inner, cfg.Provisioning.Notifier, pool, 3, m, logger)

	counterCfg := service.CounterConfig{
		Attempts: cfg.Placement.CounterRetryAttempts,
		Backoff:  cfg.Placement.CounterRetryBackoff,
	}
	provisioner := service.NewProvisioningService(repo, cellNotifier, service.ProvisioningConfig{
		SharedCellMaxTenants:       cfg.Placement.SharedCellMaxTenants,
		MaxSharedCellsPerRegion:    cfg.Placement.MaxSharedCellsPerRegion,
		MaxDedicatedCellsPerRegion: cfg.Placement.MaxDedicatedCellsPerRegion,
		AutoActivate:               cfg.Provisioning.AutoActivate,
	}, counterCfg, m, logger)
	assigner := service.NewAssignmentService(repo, provisioner, counterCfg, m, logger)
	tenants := service.NewTenantService(repo, assigner, cache, cfg.Cache.TenantTTL, cfg.Placement.DefaultRegion, counterCfg, m, logger)
	migrations := service.NewMigrationService(repo, assigner, cache, service.MigrationConfig{
		EstimatedDuration: cfg.Migration.EstimatedDuration,
		RecoveryGrace:     cfg.Migration.RecoveryGrace,
		RecoveryInterval:  cfg.Migration.RecoveryInterval,
	}, counterCfg, m, logger)
	capacity := service.NewCapacityService(repo, provisioner, cache, service.CapacityConfig{
		Regions:              cfg.Placement.Regions,
		UtilizationThreshold: cfg.Capacity.UtilizationThreshold,
		MaxConcurrentRegions: cfg.Capacity.MaxConcurrentRegions,
		Interval:             cfg.Capacity.Interval,
		SnapshotTTL:          cfg.Cache.SnapshotTTL,
	}, counterCfg, m, logger)

	logger.Info("All services initialized")

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	if cfg.Capacity.Enabled {
		go capacity.Run(ctx)
	}
	go migrations.RunRecovery(ctx)

	srv := server.NewServer(cfg.Server, handler.Services{
		Tenants:     tenants,
		Assigner:    assigner,
		Migrations:  migrations,
		Capacity:    capacity,
		Provisioner: provisioner,
	}, health.NewHealthChecker(repo, cache, logger), m, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	logger.Info("Shutting down gracefully")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := cellNotifier.Close(shutdownCtx); err != nil {
		logger.Warn("Notification queue not drained", zap.Error(err))
	}

	logger.Info("Placement engine stopped")
}

// openRepository builds the configured record store
func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Repository, error) {
	if cfg.Store.Backend != "postgres" {
		logger.Info("Using in-memory repository")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		logger,
	)
	if err != nil {
		return nil, err
	}
	if cfg.Store.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	logger.Info("PostgreSQL repository initialized",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))
	return pg, nil
}
