package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// TriggerBackend — хранилище повторяющихся триггеров с ключом по flow.
type TriggerBackend interface {
	// ScheduleRecurring создаёт или заменяет триггер key.
	ScheduleRecurring(ctx context.Context, start time.Time, interval time.Duration, key string, payload domain.TriggerPayload) error
	Unschedule(ctx context.Context, key string, payload domain.TriggerPayload) error
	NextScheduled(ctx context.Context, key string, payload domain.TriggerPayload) (time.Time, bool, error)
}

// DueSource отдаёт сработавшие триггеры. Реализуется repo.TriggerRepo.
type DueSource interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error)
}

// JobCreator — создание jobs (jobs.Creator).
type JobCreator interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*domain.Job, error)
}

// Scheduler — планировщик flows.
type Scheduler struct {
	flows     repo.FlowStore
	backend   TriggerBackend
	due       DueSource
	creator   JobCreator
	logger    *slog.Logger
	now       func() time.Time
	batchSize int

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// Config — конфигурация Scheduler.
type Config struct {
	Flows   repo.FlowStore
	Backend TriggerBackend

	// Due — источник сработавших триггеров для Tick.
	// nil — используется Backend, если он реализует DueSource.
	Due DueSource

	Creator JobCreator
	Logger  *slog.Logger
	Now     func() time.Time

	BatchSize int // количество триггеров за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	due := cfg.Due
	if due == nil {
		due, _ = cfg.Backend.(DueSource)
	}

	return &Scheduler{
		flows:     cfg.Flows,
		backend:   cfg.Backend,
		due:       due,
		creator:   cfg.Creator,
		logger:    logger,
		now:       now,
		batchSize: batchSize,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// Activate включает расписание flow.
//
// Manual flow — успешный no-op. Триггер создаётся до записи статуса:
// при ошибке backend'а статус flow не меняется.
func (s *Scheduler) Activate(ctx context.Context, flowID uuid.UUID) error {
	unlock := s.lockFlow(flowID)
	defer unlock()

	flow, err := s.getFlow(ctx, flowID)
	if err != nil {
		return err
	}
	return s.activate(ctx, flow)
}

func (s *Scheduler) activate(ctx context.Context, flow *domain.Flow) error {
	sched := flow.Scheduling
	if sched.IsManual() {
		return nil
	}
	interval, ok := IntervalDuration(sched.Interval)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidInterval, sched.Interval)
	}

	key, payload := triggerFor(flow.ID)
	_, scheduled, err := s.backend.NextScheduled(ctx, key, payload)
	if err != nil {
		return fmt.Errorf("check trigger: %w", err)
	}
	if scheduled && sched.IsActive() {
		return nil
	}

	if err := s.backend.ScheduleRecurring(ctx, s.now().Add(interval), interval, key, payload); err != nil {
		return fmt.Errorf("schedule trigger: %w", err)
	}

	sched.Status = domain.ScheduleActive
	if err := s.flows.UpdateScheduling(ctx, flow.ID, sched); err != nil {
		return fmt.Errorf("save scheduling: %w", err)
	}
	flow.Scheduling = sched

	s.logger.Info("flow schedule activated",
		"flow_id", flow.ID,
		"interval", sched.Interval,
	)
	return nil
}

// Deactivate выключает расписание flow. Статус пишется только
// после успешного удаления триггера.
func (s *Scheduler) Deactivate(ctx context.Context, flowID uuid.UUID) error {
	unlock := s.lockFlow(flowID)
	defer unlock()

	flow, err := s.getFlow(ctx, flowID)
	if err != nil {
		return err
	}

	key, payload := triggerFor(flowID)
	if err := s.backend.Unschedule(ctx, key, payload); err != nil {
		return fmt.Errorf("unschedule trigger: %w", err)
	}

	sched := flow.Scheduling
	sched.Status = domain.ScheduleInactive
	if err := s.flows.UpdateScheduling(ctx, flowID, sched); err != nil {
		return fmt.Errorf("save scheduling: %w", err)
	}

	s.logger.Info("flow schedule deactivated", "flow_id", flowID)
	return nil
}

// Reschedule меняет интервал flow. Активное расписание
// переактивируется с новым интервалом.
func (s *Scheduler) Reschedule(ctx context.Context, flowID uuid.UUID, interval string) error {
	if err := ValidateInterval(interval, false); err != nil {
		return err
	}

	unlock := s.lockFlow(flowID)
	defer unlock()

	flow, err := s.getFlow(ctx, flowID)
	if err != nil {
		return err
	}
	wasActive := flow.Scheduling.IsActive()

	key, payload := triggerFor(flowID)
	if err := s.backend.Unschedule(ctx, key, payload); err != nil {
		return fmt.Errorf("unschedule trigger: %w", err)
	}

	sched := flow.Scheduling
	sched.Interval = interval
	sched.Status = domain.ScheduleInactive
	if err := s.flows.UpdateScheduling(ctx, flowID, sched); err != nil {
		return fmt.Errorf("save scheduling: %w", err)
	}
	flow.Scheduling = sched

	s.logger.Info("flow rescheduled",
		"flow_id", flowID,
		"interval", interval,
		"was_active", wasActive,
	)

	if !wasActive || sched.IsManual() {
		return nil
	}
	return s.activate(ctx, flow)
}

// NextRun возвращает время следующего срабатывания триггера flow.
func (s *Scheduler) NextRun(ctx context.Context, flowID uuid.UUID) (time.Time, bool, error) {
	key, payload := triggerFor(flowID)
	return s.backend.NextScheduled(ctx, key, payload)
}

// IsScheduled проверяет, есть ли у flow триггер.
func (s *Scheduler) IsScheduled(ctx context.Context, flowID uuid.UUID) (bool, error) {
	_, ok, err := s.NextRun(ctx, flowID)
	return ok, err
}

// Fire обрабатывает срабатывание триггера: создаёт scheduled job
// и фиксирует last_run_at. Занятый flow — не ошибка.
func (s *Scheduler) Fire(ctx context.Context, payload domain.TriggerPayload) error {
	telemetry.TriggersFired.Inc()
	logger := telemetry.WithFlowID(s.logger, payload.FlowID)

	job, err := s.creator.Create(ctx, jobs.CreateRequest{
		FlowID:  payload.FlowID,
		Trigger: domain.TriggerScheduled,
	})

	if errors.Is(err, jobs.ErrFlowNotFound) {
		// flow удалён, а триггер остался
		logger.Warn("trigger for missing flow, unscheduling")
		key, _ := triggerFor(payload.FlowID)
		if uerr := s.backend.Unschedule(ctx, key, payload); uerr != nil {
			return fmt.Errorf("unschedule orphan trigger: %w", uerr)
		}
		return nil
	}

	if rerr := s.flows.RecordLastRun(ctx, payload.FlowID, s.now().UTC()); rerr != nil {
		logger.Warn("failed to record last run", "error", rerr)
	}

	switch {
	case errors.Is(err, jobs.ErrFlowBusy):
		logger.Info("flow busy, trigger skipped")
		return nil
	case err != nil:
		return fmt.Errorf("create scheduled job: %w", err)
	}

	logger.Info("scheduled job created", "job_id", job.ID)
	return nil
}

// Tick выполняет один тик планировщика.
//
// 1. Забирает сработавшие триггеры (next_due_at <= now), сдвигая их
// 2. Для каждого вызывает Fire
//
// Ошибки одного триггера не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.due == nil {
		return nil
	}

	triggers, err := s.due.ClaimDue(ctx, s.now().UTC(), s.batchSize)
	if err != nil {
		return fmt.Errorf("claim due triggers: %w", err)
	}
	if len(triggers) == 0 {
		return nil
	}

	s.logger.Debug("found due triggers", "count", len(triggers))

	var failed int
	for _, trg := range triggers {
		if err := s.Fire(ctx, trg.Payload); err != nil {
			failed++
			s.logger.Error("failed to fire trigger",
				"key", trg.Key,
				"flow_id", trg.Payload.FlowID,
				"error", err,
			)
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(triggers),
		"failed", failed,
	)
	return nil
}

func (s *Scheduler) getFlow(ctx context.Context, flowID uuid.UUID) (*domain.Flow, error) {
	flow, err := s.flows.GetFlow(ctx, flowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return flow, nil
}

// lockFlow сериализует изменения расписания одного flow.
func (s *Scheduler) lockFlow(flowID uuid.UUID) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[flowID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[flowID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func triggerFor(flowID uuid.UUID) (string, domain.TriggerPayload) {
	return domain.TriggerKey(flowID), domain.TriggerPayload{FlowID: flowID}
}
