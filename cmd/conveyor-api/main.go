// Conveyor API — HTTP API управления pipelines, flows и jobs.
//
// Также обслуживает MCP (SSE) на /mcp и метрики на /metrics.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/cache"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/mcp"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conveyor-api", "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Database.Migrate {
		if err := repo.RunMigrations(cfg.Database.URL); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	pool, err := repo.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	pipelineRepo := repo.NewPipelineRepo(pool)
	flowRepo := repo.NewFlowRepo(pool)
	jobRepo := repo.NewJobRepo(pool)
	packetRepo := repo.NewPacketRepo(pool)
	triggerRepo := repo.NewTriggerRepo(pool)

	registry := handlers.DefaultRegistry(logger)

	// RabbitMQ опционален: без него orchestrator подхватит jobs опросом.
	var notifier jobs.Notifier
	if cfg.RabbitMQ.URL != "" {
		conn, err := mq.Dial(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, job notifications disabled", "error", err)
		} else {
			defer conn.Close()
			if err := mq.SetupTopology(ctx, conn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			notifier = mq.NewPublisher(conn, logger)
			logger.Info("RabbitMQ connected")
		}
	}

	creator := jobs.NewCreator(jobs.Config{
		Pipelines: pipelineRepo,
		Flows:     flowRepo,
		Jobs:      jobRepo,
		Notifier:  notifier,
		Logger:    logger,
	})

	sched := scheduler.New(scheduler.Config{
		Flows:     flowRepo,
		Backend:   triggerRepo,
		Creator:   creator,
		Logger:    logger,
		BatchSize: cfg.Scheduler.BatchSize,
	})

	apiCfg := api.Config{
		Pipelines:    pipelineRepo,
		Flows:        flowRepo,
		Jobs:         jobRepo,
		Packets:      packetRepo,
		Registry:     registry,
		Creator:      creator,
		Scheduler:    sched,
		RunRateLimit: cfg.API.RunRateLimit,
		StuckTimeout: cfg.Jobs.StuckTimeout,
		TokenHash:    cfg.API.TokenHash,
		Logger:       logger,
	}

	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.SnapshotTTL)
		if err != nil {
			logger.Warn("invalid redis url, cache disabled", "error", err)
		} else if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis not available, cache disabled", "error", err)
			_ = redisCache.Close()
		} else {
			defer redisCache.Close()
			apiCfg.Snapshots = redisCache
			apiCfg.Limiter = redisCache
			logger.Info("redis connected")
		}
	}

	if cfg.API.TokenHash == "" {
		logger.Warn("api.token_hash is empty, authentication disabled")
	}

	mcpServer := mcp.NewServer(mcp.Config{
		Creator:  creator,
		Jobs:     jobRepo,
		Registry: registry,
		Version:  version,
		Logger:   logger,
	})

	handler := api.NewHandler(apiCfg)
	router := handler.Routes(map[string]http.Handler{
		mcp.BasePath + "/*": mcpServer.Handler(),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", router)

	addr := fmt.Sprintf(":%d", cfg.API.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
