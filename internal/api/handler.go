package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/repo"
)

// JobCreator — создание jobs (реализуется jobs.Creator).
type JobCreator interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*domain.Job, error)
	Retry(ctx context.Context, jobID int64) (*domain.Job, error)
}

// FlowScheduler — управление расписанием flow (реализуется scheduler.Scheduler).
type FlowScheduler interface {
	Activate(ctx context.Context, flowID uuid.UUID) error
	Deactivate(ctx context.Context, flowID uuid.UUID) error
	Reschedule(ctx context.Context, flowID uuid.UUID, interval string) error
	NextRun(ctx context.Context, flowID uuid.UUID) (time.Time, bool, error)
}

// SnapshotReader — чтение снимков завершённых jobs (реализуется cache.RedisCache).
type SnapshotReader interface {
	ReadSnapshot(ctx context.Context, jobID int64) (*domain.Job, bool, error)
}

// Limiter — счётчик запросов в окне (реализуется cache.RedisCache).
type Limiter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	pipelines repo.PipelineStore
	flows     repo.FlowStore
	jobs      repo.JobStore
	packets   repo.PacketStore
	registry  *handlers.Registry
	creator   JobCreator
	scheduler FlowScheduler
	snapshots SnapshotReader
	limiter   Limiter

	runRateLimit int
	stuckTimeout time.Duration
	tokenHash    string
	now          func() time.Time
	logger       *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Pipelines repo.PipelineStore
	Flows     repo.FlowStore
	Jobs      repo.JobStore
	Packets   repo.PacketStore

	// Registry — реестр для валидации pipelines и каталога обработчиков.
	Registry *handlers.Registry

	Creator   JobCreator
	Scheduler FlowScheduler

	// Snapshots — опциональный кэш финальных состояний jobs.
	Snapshots SnapshotReader

	// Limiter — опциональный ограничитель ручных запусков.
	Limiter Limiter

	// RunRateLimit — ручных запусков одного flow в минуту (0 — без ограничения).
	RunRateLimit int

	// StuckTimeout — порог зависания для /jobs/stuck и ручного fail.
	StuckTimeout time.Duration

	// TokenHash — bcrypt-хэш bearer-токена. Пусто — без аутентификации.
	TokenHash string

	Logger *slog.Logger
	Now    func() time.Time
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	registry := cfg.Registry
	if registry == nil {
		registry = handlers.DefaultRegistry(logger)
	}
	stuck := cfg.StuckTimeout
	if stuck <= 0 {
		stuck = 6 * time.Hour
	}

	return &Handler{
		pipelines:    cfg.Pipelines,
		flows:        cfg.Flows,
		jobs:         cfg.Jobs,
		packets:      cfg.Packets,
		registry:     registry,
		creator:      cfg.Creator,
		scheduler:    cfg.Scheduler,
		snapshots:    cfg.Snapshots,
		limiter:      cfg.Limiter,
		runRateLimit: cfg.RunRateLimit,
		stuckTimeout: stuck,
		tokenHash:    cfg.TokenHash,
		now:          now,
		logger:       logger,
	}
}
