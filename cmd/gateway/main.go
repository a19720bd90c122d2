package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/abuse"
	"github.com/lalith-99/botgate/internal/cache"
	"github.com/lalith-99/botgate/internal/config"
	"github.com/lalith-99/botgate/internal/db"
	"github.com/lalith-99/botgate/internal/dispatch"
	"github.com/lalith-99/botgate/internal/ingress"
	"github.com/lalith-99/botgate/internal/observ"
	"github.com/lalith-99/botgate/internal/pipeline"
	"github.com/lalith-99/botgate/internal/platform"
	"github.com/lalith-99/botgate/internal/ratelimit"
	"github.com/lalith-99/botgate/internal/repository/fallback"
	"github.com/lalith-99/botgate/internal/repository/memory"
	"github.com/lalith-99/botgate/internal/repository/postgres"
	redisstore "github.com/lalith-99/botgate/internal/repository/redis"
	"github.com/lalith-99/botgate/internal/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ---------------------------------------------------------------
	// 3. Connect to Postgres and Redis
	//
	// Startup uses Background(): there is no parent request to
	// inherit a deadline from, and "take as long as you need to
	// connect" is the right startup behavior.
	// ---------------------------------------------------------------
	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	redisClient, err := cache.New(context.Background(), cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()

	// ---------------------------------------------------------------
	// 4. Stores and sinks
	//
	// The counter store is Redis fronted by a fail-open in-process
	// fallback: a Redis outage degrades limits to per-instance
	// accuracy instead of blocking all traffic.
	// ---------------------------------------------------------------
	audit := observ.NewAuditLog(logger)

	tenantStore := postgres.NewTenantStore(database.Pool())
	configStore := postgres.NewConfigStore(database.Pool())
	mitigationStore := postgres.NewMitigationStore(database.Pool())
	bindingStore := postgres.NewBindingStore(database.Pool())

	fallbackCounters := memory.NewCounterStore()
	defer fallbackCounters.Stop()
	counters := fallback.New(redisstore.NewCounterStore(redisClient), fallbackCounters, audit, logger)

	actions := platform.NewActionClient(cfg.PlatformAPIURL, logger)

	// ---------------------------------------------------------------
	// 5. Core components
	// ---------------------------------------------------------------
	identity := router.NewIdentity(tenantStore, redisClient, audit, logger)
	limiter := ratelimit.NewLimiter(counters)

	engine := abuse.NewEngine(counters, mitigationStore, actions, audit, logger)
	defer engine.Stop()

	registry := dispatch.NewRegistry(actions, audit, logger, cfg.HandlerTimeout)

	// Handler modules register here. The gateway core ships none —
	// command modules live in their own packages and are linked in by
	// the deployment that wants them.
	available := map[string]dispatch.Module{}
	if err := registry.LoadFromStore(context.Background(), bindingStore, available); err != nil {
		return fmt.Errorf("load module bindings: %w", err)
	}

	exec := pipeline.NewExecutor(audit, logger,
		pipeline.NewStandardChain(configStore, limiter, engine, registry, audit)...)

	// ---------------------------------------------------------------
	// 6. Ingress
	// ---------------------------------------------------------------
	srv := ingress.NewServer(identity, exec, engine, mitigationStore, counters, audit, logger, ingress.Options{
		QueueDepth:   cfg.AckQueueDepth,
		DedupTTL:     cfg.DedupTTL,
		OpsJWTSecret: cfg.OpsJWTSecret,
	})
	srv.Start()

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}

	logger.Info("starting botgate",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Int("queue_depth", cfg.AckQueueDepth),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ---------------------------------------------------------------
	// 7. Shutdown: stop accepting, then drain the ack queue so every
	// acknowledged event still gets its pipeline run.
	// ---------------------------------------------------------------
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	srv.Stop()

	return nil
}
