// Conveyor Scheduler — запускает flows по расписанию.
//
// В кластере тикает только лидер: лидерство держится через
// pg_try_advisory_lock на выделенном соединении. Лидер также выполняет
// обслуживание: поиск зависших jobs и удаление старых.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conveyor-scheduler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	pipelineRepo := repo.NewPipelineRepo(pool)
	flowRepo := repo.NewFlowRepo(pool)
	jobRepo := repo.NewJobRepo(pool)
	triggerRepo := repo.NewTriggerRepo(pool)

	var notifier jobs.Notifier
	if cfg.RabbitMQ.URL != "" {
		conn, err := mq.Dial(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		} else {
			defer conn.Close()
			if err := mq.SetupTopology(ctx, conn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			notifier = mq.NewPublisher(conn, logger)
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

	maintenance := scheduler.NewMaintenance(scheduler.MaintenanceConfig{
		Jobs:         jobRepo,
		StuckTimeout: cfg.Jobs.StuckTimeout,
		Retention:    cfg.Jobs.Retention,
		SweepSpec:    cfg.Scheduler.SweepCron,
		CleanupSpec:  cfg.Scheduler.CleanupCron,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Scheduler.Port)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	loop := &leaderLoop{
		pool:        pool,
		lockKey:     cfg.Scheduler.LockKey,
		interval:    cfg.Scheduler.TickInterval,
		sched:       sched,
		maintenance: maintenance,
		logger:      logger,
	}
	loop.run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("conveyor-scheduler stopped")
}

// leaderLoop — цикл тиков с выбором лидера.
type leaderLoop struct {
	pool        *pgxpool.Pool
	lockKey     int64
	interval    time.Duration
	sched       *scheduler.Scheduler
	maintenance *scheduler.Maintenance
	logger      *slog.Logger

	// lockConn — соединение, на котором держится advisory lock.
	// Session-level lock принадлежит соединению, а не пулу.
	lockConn *pgxpool.Conn
}

func (l *leaderLoop) run(ctx context.Context) {
	tk := time.NewTicker(l.interval)
	defer tk.Stop()
	defer l.resign()

	for {
		select {
		case <-tk.C:
			if !l.ensureLeader(ctx) {
				continue
			}
			if err := l.sched.Tick(ctx); err != nil && ctx.Err() == nil {
				l.logger.Error("scheduler tick failed", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// ensureLeader захватывает lock или проверяет, что соединение с ним живо.
func (l *leaderLoop) ensureLeader(ctx context.Context) bool {
	if l.lockConn != nil {
		if err := l.lockConn.Ping(ctx); err == nil {
			return true
		}
		l.logger.Warn("lost leader connection")
		l.lockConn.Release()
		l.lockConn = nil
		l.maintenance.Stop(ctx)
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		l.logger.Error("acquire lock connection", "error", err)
		return false
	}

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.lockKey).Scan(&ok); err != nil {
		conn.Release()
		l.logger.Error("leader lock", "error", err)
		return false
	}
	if !ok {
		conn.Release()
		return false
	}

	l.lockConn = conn
	l.logger.Info("became leader", "lock_key", l.lockKey)

	if err := l.maintenance.Start(ctx); err != nil {
		l.logger.Error("failed to start maintenance", "error", err)
	}
	return true
}

func (l *leaderLoop) resign() {
	if l.lockConn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l.maintenance.Stop(ctx)
	if _, err := l.lockConn.Exec(ctx, "select pg_advisory_unlock($1)", l.lockKey); err != nil {
		l.logger.Warn("leader unlock", "error", err)
	}
	l.lockConn.Release()
	l.lockConn = nil
}
