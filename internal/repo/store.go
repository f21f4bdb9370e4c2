package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Интерфейсы хранилищ. Postgres-реализации — *Repo в этом пакете,
// in-memory — пакет repo/memory.

// PipelineStore — хранилище pipelines.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *domain.Pipeline) error
	GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	ListPipelines(ctx context.Context) ([]domain.Pipeline, error)

	// DeletePipeline удаляет pipeline вместе с его flows.
	DeletePipeline(ctx context.Context, id uuid.UUID) error
}

// FlowStore — хранилище flows.
type FlowStore interface {
	CreateFlow(ctx context.Context, f *domain.Flow) error
	GetFlow(ctx context.Context, id uuid.UUID) (*domain.Flow, error)
	ListFlows(ctx context.Context, filter FlowFilter) ([]domain.Flow, error)
	DeleteFlow(ctx context.Context, id uuid.UUID) error

	// UpdateScheduling сохраняет interval и status расписания.
	UpdateScheduling(ctx context.Context, id uuid.UUID, s domain.Scheduling) error

	// RecordLastRun фиксирует время срабатывания триггера.
	RecordLastRun(ctx context.Context, id uuid.UUID, at time.Time) error
}

// JobStore — хранилище job records.
type JobStore interface {
	// CreateJob создаёт pending job и заполняет ID и CreatedAt.
	// Возвращает ErrAlreadyExists, если у flow уже есть pending/running job.
	CreateJob(ctx context.Context, job *domain.Job) error

	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)

	// ClaimNext атомарно переводит самый старый pending job в running,
	// если running jobs меньше limit. ErrNoCapacity — потолок достигнут,
	// ErrNotFound — нет pending jobs.
	ClaimNext(ctx context.Context, limit int) (*domain.Job, error)

	CountRunning(ctx context.Context) (int, error)

	// UpdateCurrentStep обновляет current_step_name running job.
	UpdateCurrentStep(ctx context.Context, id int64, step string) error

	// FinishJob сохраняет финальный статус. Только для running job,
	// иначе ErrInvalidState.
	FinishJob(ctx context.Context, job *domain.Job) error

	// ListStuck возвращает running jobs, начатые раньше startedBefore.
	ListStuck(ctx context.Context, startedBefore time.Time) ([]domain.Job, error)

	// DeleteFinishedBefore удаляет финальные jobs, завершённые раньше before.
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// PacketStore — история пакетов job.
type PacketStore interface {
	// AppendPackets дописывает пакеты начиная с позиции offset.
	AppendPackets(ctx context.Context, jobID int64, offset int, packets []domain.DataPacket) error
	ListPackets(ctx context.Context, jobID int64) ([]domain.DataPacket, error)
}

// ItemStore — журнал обработанных элементов (защита от повторной обработки).
type ItemStore interface {
	IsProcessed(ctx context.Context, key ItemKey) (bool, error)
	MarkProcessed(ctx context.Context, key ItemKey, jobID int64) error
}

// TriggerStore — durable backend повторяющихся триггеров.
type TriggerStore interface {
	ScheduleRecurring(ctx context.Context, start time.Time, interval time.Duration, key string, payload domain.TriggerPayload) error
	Unschedule(ctx context.Context, key string, payload domain.TriggerPayload) error
	NextScheduled(ctx context.Context, key string, payload domain.TriggerPayload) (time.Time, bool, error)

	// ClaimDue возвращает сработавшие триггеры и сдвигает их next_due_at
	// на интервал вперёд (от now).
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error)
}

// ItemKey — ключ элемента в журнале обработанных.
type ItemKey struct {
	FlowID     uuid.UUID
	StepID     string
	SourceType string
	ItemID     string
}

// FlowFilter — параметры фильтрации flows.
type FlowFilter struct {
	PipelineID *uuid.UUID
	UserID     *int64
}

// JobFilter — параметры фильтрации jobs.
type JobFilter struct {
	FlowID *uuid.UUID
	Status domain.JobStatus
	Limit  int
	Offset int
}
