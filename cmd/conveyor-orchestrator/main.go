// Conveyor Orchestrator — допускает pending jobs и выполняет их.
//
// Orchestrator:
//   - Получает уведомления job.pending из RabbitMQ (если доступен)
//   - Периодически опрашивает pending jobs
//   - Держит не более jobs.max_concurrent jobs в running
//   - Пишет снимки завершённых jobs в Redis (если настроен)
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

	"github.com/shaiso/Conveyor/internal/cache"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conveyor-orchestrator")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	jobRepo := repo.NewJobRepo(pool)

	engineCfg := engine.Config{
		Pipelines:   repo.NewPipelineRepo(pool),
		Flows:       repo.NewFlowRepo(pool),
		Jobs:        jobRepo,
		Packets:     repo.NewPacketRepo(pool),
		Items:       repo.NewItemRepo(pool),
		Registry:    handlers.DefaultRegistry(logger),
		StepTimeout: cfg.Jobs.StepTimeout,
		Logger:      logger,
	}

	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.SnapshotTTL)
		if err != nil {
			logger.Warn("invalid redis url, snapshots disabled", "error", err)
		} else if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis not available, snapshots disabled", "error", err)
			_ = redisCache.Close()
		} else {
			defer redisCache.Close()
			engineCfg.Snapshots = redisCache
			logger.Info("redis connected")
		}
	}

	var mqConn *mq.Connection
	if cfg.RabbitMQ.URL != "" {
		mqConn, err = mq.Dial(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Jobs:          jobRepo,
		Runner:        engine.New(engineCfg),
		Conn:          mqConn,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		PollInterval:  cfg.Jobs.PollInterval,
		Logger:        logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Jobs.OrchestratorPort)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Выполняющимся jobs даём время дойти до конца шага.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	orch.Stop(stopCtx)
	_ = server.Shutdown(stopCtx)

	logger.Info("conveyor-orchestrator stopped")
}
