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
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openparish/parishd/internal/auth"
	"github.com/openparish/parishd/internal/backend"
	"github.com/openparish/parishd/internal/config"
	"github.com/openparish/parishd/internal/directory"
	"github.com/openparish/parishd/internal/domain"
	"github.com/openparish/parishd/internal/logging"
	"github.com/openparish/parishd/internal/netmon"
	"github.com/openparish/parishd/internal/recovery"
	"github.com/openparish/parishd/internal/server"
	"github.com/openparish/parishd/internal/session"
	"github.com/openparish/parishd/internal/storage"
	"github.com/openparish/parishd/internal/version"
)

func setupConfig() *config.Config {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := storage.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupBadger(cfg *config.Config) *badger.DB {
	db, err := storage.OpenBadger(cfg.LocalDataDir)
	if err != nil {
		slog.Error("Failed to open local store", "error", err)
		os.Exit(1)
	}
	return db
}

func setupDirectory(cfg *config.Config) *directory.Directory {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir, err := directory.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to directory database", "error", err)
		os.Exit(1)
	}
	if err := dir.RunMigrations(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return dir
}

func runGracefulShutdown(srv *server.Server, controller *auth.Controller, monitor *netmon.Monitor, stops []func()) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		controller.Stop()
		monitor.Destroy()
		for _, stop := range stops {
			stop()
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)
	version.PublishMetric()

	ctx := context.Background()

	redisClient := setupRedis(ctx, cfg)
	defer func() { _ = redisClient.Close() }()

	badgerDB := setupBadger(cfg)
	defer func() { _ = badgerDB.Close() }()

	dir := setupDirectory(cfg)
	defer dir.Close()

	// Layered storage: shared Redis, then the local disk store, then the
	// capped in-memory fallback.
	memoryTier := storage.NewMemoryTier(0, clock)
	store := storage.NewManager(
		storage.NewRedisTier(redisClient),
		storage.NewBadgerTier(badgerDB),
		memoryTier,
	)
	stopEviction := storage.StartEvictionTimer(memoryTier, time.Minute, clock)

	// Connectivity monitor
	monitor := netmon.NewMonitor(netmon.Config{
		HealthCheckInterval:  cfg.HealthCheckInterval,
		LatencyInterval:      cfg.LatencyInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}, netmon.NewHTTPProber(cfg.BackendURL, cfg.ProbeTimeout), clock)
	monitor.Start(ctx)

	// Session state and validation
	artifacts := session.NewStore(store, clock)
	cache := session.NewCache(store, cfg.SessionCacheTTL, clock)
	validator := session.NewValidator(store, artifacts, cache, cfg.StalenessThreshold, clock)
	stopValidation := validator.StartPeriodicValidation(ctx, cfg.ValidationInterval)

	backendClient := backend.New(cfg.BackendURL, cfg.BackendKey, 10*time.Second)

	// Recovery pipeline with the session fallback chain: the cached
	// snapshot first, then a genuine restore through the refresh token.
	restore := func(ctx context.Context) (*domain.CachedSessionState, error) {
		art, err := artifacts.Load(ctx)
		if err != nil || art.RefreshToken == "" {
			return nil, err
		}
		refreshed, err := backendClient.RefreshSession(ctx, art.RefreshToken)
		if err != nil {
			return nil, err
		}
		if err := artifacts.Save(ctx, *refreshed); err != nil {
			slog.Warn("Failed to persist restored session", "error", err)
		}
		if refreshed.User == nil {
			return nil, domain.ErrUserNotFound
		}
		return &domain.CachedSessionState{
			User:       *refreshed.User,
			Role:       domain.InferRoleFromName(refreshed.User.RoleName),
			CapturedAt: clock.Now(),
			ExpiresAt:  clock.Now().Add(cfg.SessionCacheTTL),
		}, nil
	}
	orch := recovery.NewOrchestrator(store, session.NewFallback(cache, restore), clock)

	events := auth.NewRegistry(clock)
	controller := auth.NewController(
		auth.Config{
			Timeout:          cfg.AuthTimeout,
			MaxRetryAttempts: cfg.MaxRetryAttempts,
			RetryBackoffBase: cfg.RetryBackoffBase,
		},
		backendClient, dir, artifacts, cache, validator, orch, monitor, events, clock,
	)

	// Startup integrity check: broken persisted state is cleared before the
	// first refresh rather than failing it.
	if validator.DetectInconsistency(ctx) {
		slog.Warn("Inconsistent persisted session state detected, cleaning up")
		validator.Cleanup(ctx)
	}

	controller.Start(ctx)

	srv := server.NewServer(cfg, controller, monitor, store, redisClient, dir, backendClient, events)

	done := runGracefulShutdown(srv, controller, monitor, []func(){stopEviction, stopValidation})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
