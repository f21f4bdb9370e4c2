package orchestrator

import (
	"context"
	"errors"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Admit допускает pending jobs, пока есть свободные слоты.
// Возвращает число допущенных jobs.
func (o *Orchestrator) Admit(ctx context.Context) int {
	admitted := 0
	for ctx.Err() == nil {
		job, err := o.jobs.ClaimNext(ctx, o.maxConcurrent)
		switch {
		case errors.Is(err, repo.ErrNoCapacity):
			o.logger.Debug("gate closed, concurrency limit reached", "limit", o.maxConcurrent)
			return admitted
		case errors.Is(err, repo.ErrNotFound):
			return admitted
		case err != nil:
			o.logger.Error("failed to claim job", "error", err)
			return admitted
		}

		o.launch(job)
		admitted++
	}
	return admitted
}

// launch выполняет job в отдельной горутине. По завершении
// освободившийся слот сразу предлагается следующему job.
func (o *Orchestrator) launch(job *domain.Job) {
	o.mu.Lock()
	o.active[job.ID] = struct{}{}
	ctx := o.jobsCtx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	telemetry.JobsRunning.Inc()
	logger := telemetry.WithFlowID(telemetry.WithJobID(o.logger, job.ID), job.FlowID)
	logger.Info("job admitted", "trigger", job.TriggerType)

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		defer func() {
			o.mu.Lock()
			delete(o.active, job.ID)
			o.mu.Unlock()
			telemetry.JobsRunning.Dec()
			o.Wake()
		}()

		if err := o.runner.Execute(ctx, job); err != nil {
			logger.Error("job execution failed", "error", err)
		}
	}()
}
