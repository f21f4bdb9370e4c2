package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Maintenance — периодические задачи обслуживания jobs.
//
// Зависшие jobs только обнаруживаются: они попадают в лог и метрику,
// но не прерываются. Финальные jobs старше retention удаляются.
type Maintenance struct {
	jobs         repo.JobStore
	stuckTimeout time.Duration
	retention    time.Duration
	sweepSpec    string
	cleanupSpec  string
	logger       *slog.Logger
	now          func() time.Time

	cron *cron.Cron
}

// MaintenanceConfig — конфигурация Maintenance.
type MaintenanceConfig struct {
	Jobs         repo.JobStore
	StuckTimeout time.Duration
	Retention    time.Duration

	// SweepSpec и CleanupSpec — cron-выражения (стандартный формат
	// из 5 полей или дескрипторы вроде @daily).
	SweepSpec   string
	CleanupSpec string

	Logger *slog.Logger
	Now    func() time.Time
}

// NewMaintenance создаёт Maintenance.
func NewMaintenance(cfg MaintenanceConfig) *Maintenance {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Maintenance{
		jobs:         cfg.Jobs,
		stuckTimeout: cfg.StuckTimeout,
		retention:    cfg.Retention,
		sweepSpec:    cfg.SweepSpec,
		cleanupSpec:  cfg.CleanupSpec,
		logger:       logger,
		now:          now,
	}
}

// Start запускает задачи по расписанию. Задачи выполняются с ctx
// и не перекрываются: следующий запуск пропускается, пока идёт текущий.
func (m *Maintenance) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	if _, err := c.AddFunc(m.sweepSpec, func() {
		if _, err := m.SweepStuck(ctx); err != nil {
			m.logger.Error("stuck sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule stuck sweep %q: %w", m.sweepSpec, err)
	}

	if _, err := c.AddFunc(m.cleanupSpec, func() {
		if _, err := m.Cleanup(ctx); err != nil {
			m.logger.Error("retention cleanup failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", m.cleanupSpec, err)
	}

	m.cron = c
	c.Start()

	m.logger.Info("maintenance started",
		"sweep", m.sweepSpec,
		"cleanup", m.cleanupSpec,
	)
	return nil
}

// Stop останавливает расписание и ждёт выполняющиеся задачи.
func (m *Maintenance) Stop(ctx context.Context) {
	if m.cron == nil {
		return
	}
	done := m.cron.Stop().Done()
	m.cron = nil
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// SweepStuck находит running jobs старше stuck timeout.
func (m *Maintenance) SweepStuck(ctx context.Context) ([]domain.Job, error) {
	stuck, err := m.jobs.ListStuck(ctx, m.now().Add(-m.stuckTimeout))
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}

	telemetry.JobsStuck.Set(float64(len(stuck)))
	for _, job := range stuck {
		telemetry.WithFlowID(telemetry.WithJobID(m.logger, job.ID), job.FlowID).Warn("job stuck",
			"started_at", job.StartedAt,
			"current_step", job.CurrentStepName,
			"timeout", m.stuckTimeout,
		)
	}
	return stuck, nil
}

// Cleanup удаляет финальные jobs, завершённые раньше retention.
func (m *Maintenance) Cleanup(ctx context.Context) (int64, error) {
	n, err := m.jobs.DeleteFinishedBefore(ctx, m.now().Add(-m.retention))
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}

	telemetry.JobsCleaned.Add(float64(n))
	if n > 0 {
		m.logger.Info("finished jobs cleaned up", "deleted", n, "retention", m.retention)
	}
	return n, nil
}
