package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Notifier уведомляет orchestrator о новом pending job (mq.Publisher).
type Notifier interface {
	PublishJobPending(ctx context.Context, jobID int64) error
}

// CreateRequest — параметры создания job.
type CreateRequest struct {
	// PipelineID — ожидаемый pipeline. uuid.Nil — берётся из flow.
	PipelineID uuid.UUID
	FlowID     uuid.UUID

	// UserID — инициатор. 0 — владелец flow.
	UserID  int64
	Trigger domain.TriggerType

	// RetryOf — ID повторяемого job.
	RetryOf *int64
}

// Creator создаёт jobs.
type Creator struct {
	pipelines repo.PipelineStore
	flows     repo.FlowStore
	jobs      repo.JobStore
	notifier  Notifier
	logger    *slog.Logger
}

// Config — конфигурация Creator.
type Config struct {
	Pipelines repo.PipelineStore
	Flows     repo.FlowStore
	Jobs      repo.JobStore

	// Notifier — может быть nil: orchestrator подхватит job при опросе.
	Notifier Notifier

	Logger *slog.Logger
}

// NewCreator создаёт Creator.
func NewCreator(cfg Config) *Creator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{
		pipelines: cfg.Pipelines,
		flows:     cfg.Flows,
		jobs:      cfg.Jobs,
		notifier:  cfg.Notifier,
		logger:    logger,
	}
}

// Create проверяет конфигурацию и создаёт pending job.
//
// Возвращает ErrFlowBusy, если у flow уже есть активный job.
func (c *Creator) Create(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	if !req.Trigger.IsValid() {
		return nil, fmt.Errorf("invalid trigger type: %q", req.Trigger)
	}

	flow, err := c.flows.GetFlow(ctx, req.FlowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, c.reject(req, "flow_not_found", fmt.Errorf("%w: %s", ErrFlowNotFound, req.FlowID))
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}

	pipelineID := req.PipelineID
	if pipelineID == uuid.Nil {
		pipelineID = flow.PipelineID
	}
	if flow.PipelineID != pipelineID {
		return nil, c.reject(req, "pipeline_mismatch",
			fmt.Errorf("%w: flow %s, pipeline %s", ErrFlowPipelineMismatch, flow.ID, pipelineID))
	}

	pipeline, err := c.pipelines.GetPipeline(ctx, pipelineID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, c.reject(req, "pipeline_not_found", fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID))
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	if len(pipeline.Steps) == 0 {
		return nil, c.reject(req, "empty_pipeline", fmt.Errorf("%w: %s", ErrEmptyPipeline, pipelineID))
	}

	userID := req.UserID
	if userID == 0 {
		userID = flow.UserID
	}

	job := &domain.Job{
		PipelineID:  pipelineID,
		FlowID:      flow.ID,
		UserID:      userID,
		TriggerType: req.Trigger,
		RetryOf:     req.RetryOf,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return nil, c.reject(req, "busy", fmt.Errorf("%w: %s", ErrFlowBusy, flow.ID))
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	telemetry.JobsCreated.WithLabelValues(string(req.Trigger)).Inc()
	logger := telemetry.WithFlowID(telemetry.WithJobID(c.logger, job.ID), flow.ID)
	logger.Info("job created", "trigger", req.Trigger, "pipeline_id", pipelineID)

	if c.notifier != nil {
		if err := c.notifier.PublishJobPending(ctx, job.ID); err != nil {
			logger.Warn("failed to publish job.pending", "error", err)
		}
	}
	return job, nil
}

// Retry создаёт новый manual job для flow завершённого job.
func (c *Creator) Retry(ctx context.Context, jobID int64) (*domain.Job, error) {
	prev, err := c.jobs.GetJob(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if !prev.IsFinished() {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotFinished, jobID, prev.Status)
	}

	return c.Create(ctx, CreateRequest{
		PipelineID: prev.PipelineID,
		FlowID:     prev.FlowID,
		UserID:     prev.UserID,
		Trigger:    domain.TriggerManual,
		RetryOf:    &prev.ID,
	})
}

func (c *Creator) reject(req CreateRequest, reason string, err error) error {
	telemetry.JobsRejected.WithLabelValues(reason).Inc()
	c.logger.Info("job rejected",
		"flow_id", req.FlowID,
		"trigger", req.Trigger,
		"reason", reason,
	)
	return err
}
