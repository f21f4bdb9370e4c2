package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval  = 5 * time.Second
	defaultMaxConcurrent = 2
)

// Runner выполняет допущенный job (engine.Engine).
type Runner interface {
	Execute(ctx context.Context, job *domain.Job) error
}

// Orchestrator — gate и пул выполнения jobs.
type Orchestrator struct {
	jobs   repo.JobStore
	runner Runner
	conn   *mq.Connection

	maxConcurrent int
	pollInterval  time.Duration
	logger        *slog.Logger

	// wake — запрос на допуск. Буфер 1: повторные сигналы схлопываются.
	wake chan struct{}

	mu      sync.Mutex
	active  map[int64]struct{}
	started bool

	loops      sync.WaitGroup
	running    sync.WaitGroup
	cancel     context.CancelFunc
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
}

// Config — конфигурация Orchestrator.
type Config struct {
	Jobs   repo.JobStore
	Runner Runner

	// Conn — соединение с RabbitMQ. nil — только опрос.
	Conn *mq.Connection

	MaxConcurrent int           // потолок running jobs (default: 2)
	PollInterval  time.Duration // интервал опроса (default: 5s)

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		jobs:          cfg.Jobs,
		runner:        cfg.Runner,
		conn:          cfg.Conn,
		maxConcurrent: maxConcurrent,
		pollInterval:  pollInterval,
		logger:        logger,
		wake:          make(chan struct{}, 1),
		active:        make(map[int64]struct{}),
	}
}

// Start запускает цикл допуска и consumer job.pending.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	// jobs не прерываются вместе с циклами: Stop сначала ждёт их завершения
	o.jobsCtx, o.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))

	o.logger.Info("starting orchestrator",
		"max_concurrent", o.maxConcurrent,
		"poll_interval", o.pollInterval,
		"mq", o.conn != nil,
	)

	o.loops.Add(1)
	go func() {
		defer o.loops.Done()
		o.admitLoop(ctx)
	}()

	if o.conn != nil {
		consumer := mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueJobsPending,
			Handler:  o.handleJobPending,
			Prefetch: 10,
		})
		o.loops.Add(1)
		go func() {
			defer o.loops.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("job consumer error", "error", err)
			}
		}()
	}

	o.Wake()
	return nil
}

// Stop останавливает допуск и ждёт выполняющиеся jobs до отмены ctx.
// После отмены ctx контекст jobs отменяется.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.logger.Info("stopping orchestrator...", "active_jobs", o.ActiveCount())

	if o.cancel != nil {
		o.cancel()
	}
	o.loops.Wait()

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown timeout, cancelling running jobs", "active_jobs", o.ActiveCount())
		if o.cancelJobs != nil {
			o.cancelJobs()
		}
		<-done
	}

	o.logger.Info("orchestrator stopped")
}

// Wake запрашивает допуск jobs. Не блокируется.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// ActiveCount возвращает число jobs, выполняемых этим экземпляром.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// admitLoop — единственная горутина, вызывающая Admit.
func (o *Orchestrator) admitLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-ticker.C:
		}
		o.Admit(ctx)
	}
}

// handleJobPending обрабатывает уведомление job.pending.
// Какой job допустить, решает gate: уведомление только будит цикл.
func (o *Orchestrator) handleJobPending(_ context.Context, msg *mq.Message) error {
	payload, err := mq.DecodePayload[mq.JobPendingPayload](msg)
	if err != nil {
		return err
	}
	o.logger.Debug("received job.pending", "job_id", payload.JobID)
	o.Wake()
	return nil
}
