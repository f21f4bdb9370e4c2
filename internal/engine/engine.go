package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultStepTimeout = 5 * time.Minute

// SnapshotWriter сохраняет снимок финального состояния job (Redis-кэш).
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, job *domain.Job) error
}

// Engine выполняет допущенные jobs.
//
// Шаги идут строго последовательно. Ошибки шагов не выходят за
// пределы Execute: они превращаются в статус job и error_details.
// Наружу возвращаются только ошибки хранилища.
type Engine struct {
	pipelines repo.PipelineStore
	flows     repo.FlowStore
	jobs      repo.JobStore
	packets   repo.PacketStore
	items     repo.ItemStore
	registry  *handlers.Registry
	snapshots SnapshotWriter

	stepTimeout time.Duration
	now         func() time.Time
	tracer      trace.Tracer
	logger      *slog.Logger
}

// Config — конфигурация Engine.
type Config struct {
	Pipelines repo.PipelineStore
	Flows     repo.FlowStore
	Jobs      repo.JobStore

	// Packets — история пакетов. nil — пакеты не сохраняются.
	Packets repo.PacketStore

	// Items — журнал обработанных элементов. nil — без дедупликации.
	Items repo.ItemStore

	Registry *handlers.Registry

	// Snapshots — снимки jobs в кэше. Может быть nil.
	Snapshots SnapshotWriter

	// StepTimeout — таймаут шага по умолчанию (default: 5m).
	StepTimeout time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт Engine.
func New(cfg Config) *Engine {
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = handlers.DefaultRegistry(logger)
	}

	return &Engine{
		pipelines:   cfg.Pipelines,
		flows:       cfg.Flows,
		jobs:        cfg.Jobs,
		packets:     cfg.Packets,
		items:       cfg.Items,
		registry:    registry,
		snapshots:   cfg.Snapshots,
		stepTimeout: stepTimeout,
		now:         now,
		tracer:      telemetry.Tracer(),
		logger:      logger,
	}
}

// Execute выполняет running job до финального статуса.
func (e *Engine) Execute(ctx context.Context, job *domain.Job) error {
	logger := telemetry.WithFlowID(telemetry.WithJobID(e.logger, job.ID), job.FlowID)

	ctx, span := e.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("flow.id", job.FlowID.String()),
		attribute.String("job.trigger", string(job.TriggerType)),
	))
	defer span.End()

	pipeline, flow, cause := e.load(ctx, job)
	state := NewJobState(job, pipeline, flow)
	state.Items = handlers.NewItemLog(e.items, job.FlowID, job.ID)
	if cause != nil {
		state.Fail("", "", cause.Error())
		return e.finish(ctx, state, logger)
	}

	logger.Info("job started",
		"pipeline_id", pipeline.ID,
		"steps", len(pipeline.Steps),
		"trigger", job.TriggerType,
	)

	descriptors := e.preflight(state)

	var storeErr error
	for i, step := range pipeline.Steps {
		if state.Stopped() {
			break
		}
		if err := e.runStep(ctx, state, step, descriptors[i], logger); err != nil {
			state.Fail(step.DisplayName(), descriptors[i].Key(), err.Error())
			storeErr = err
			break
		}
	}

	if err := e.finish(ctx, state, logger); err != nil {
		return errors.Join(storeErr, err)
	}
	if storeErr != nil {
		span.SetStatus(codes.Error, storeErr.Error())
	}
	return storeErr
}

// load загружает pipeline и flow. Ошибка загрузки — причина failed.
func (e *Engine) load(ctx context.Context, job *domain.Job) (*domain.Pipeline, *domain.Flow, error) {
	pipeline, err := e.pipelines.GetPipeline(ctx, job.PipelineID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, job.PipelineID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load pipeline: %w", err)
	}

	flow, err := e.flows.GetFlow(ctx, job.FlowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrFlowNotFound, job.FlowID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load flow: %w", err)
	}
	return pipeline, flow, nil
}

// preflight разрешает обработчики всех шагов до запуска первого.
// Незарегистрированный обработчик переводит job в failed.
func (e *Engine) preflight(state *JobState) []handlers.Descriptor {
	steps := state.Pipeline.Steps
	descriptors := make([]handlers.Descriptor, len(steps))
	for i, step := range steps {
		d, err := e.registry.Resolve(step.Type, step.Handler)
		if err != nil {
			state.Fail(step.DisplayName(), handlers.HandlerKey(step.Type, step.Handler), err.Error())
			return descriptors
		}
		descriptors[i] = d
	}
	return descriptors
}

// runStep выполняет один шаг. Возвращает только ошибки хранилища.
func (e *Engine) runStep(ctx context.Context, state *JobState, step domain.StepDef, d handlers.Descriptor, logger *slog.Logger) error {
	job := state.Job
	name := step.DisplayName()
	key := d.Key()

	if err := e.jobs.UpdateCurrentStep(ctx, job.ID, name); err != nil {
		return fmt.Errorf("update current step: %w", err)
	}
	job.CurrentStepName = name

	ctx, span := e.tracer.Start(ctx, "step."+step.ID, trace.WithAttributes(
		attribute.String("step.name", name),
		attribute.String("step.handler", key),
	))
	defer span.End()

	started := time.Now()
	resp, err := e.callStep(ctx, state, step, d)
	telemetry.StepDuration.WithLabelValues(key).Observe(time.Since(started).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		// Отсутствие входных данных — нарушенное предусловие, оно всегда фатально.
		if step.ContinueOnError && !errors.Is(err, handlers.ErrNoWork) {
			state.AddStepError(name, key, err.Error())
			state.StepDone(name)
			telemetry.StepErrors.WithLabelValues(key, "recoverable").Inc()
			logger.Warn("step failed, continuing", "step", name, "handler", key, "error", err)
			return nil
		}
		state.Fail(name, key, err.Error())
		telemetry.StepErrors.WithLabelValues(key, "fatal").Inc()
		logger.Error("step failed", "step", name, "handler", key, "error", err)
		return nil
	}

	offset, stamped := state.AppendPackets(name, resp.Packets)
	state.StepDone(name)
	if e.packets != nil && len(stamped) > 0 {
		if err := e.packets.AppendPackets(ctx, job.ID, offset, stamped); err != nil {
			return fmt.Errorf("append packets: %w", err)
		}
	}
	for _, msg := range resp.Errors {
		state.AddStepError(name, key, msg)
		telemetry.StepErrors.WithLabelValues(key, "recoverable").Inc()
	}

	logger.Info("step completed",
		"step", name,
		"handler", key,
		"packets", len(resp.Packets),
		"errors", len(resp.Errors),
	)

	if step.Type == domain.StepTypeFetch && len(resp.Packets) == 0 {
		state.MarkNoItems()
		logger.Info("no new items, skipping remaining steps", "step", name)
	}
	return nil
}

// callStep готовит запрос и вызывает обработчик с таймаутом шага.
//
// Обработчик выполняется в отдельной горутине: если он не уважает ctx,
// шаг всё равно завершается по таймауту, а горутина брошена.
func (e *Engine) callStep(ctx context.Context, state *JobState, step domain.StepDef, d handlers.Descriptor) (*handlers.Response, error) {
	job, flow := state.Job, state.Flow

	settings, err := RenderSettings(flow.StepSettings(step), NewTemplateContext(job, flow, state.Packets()))
	if err != nil {
		return nil, fmt.Errorf("render settings: %w", err)
	}

	logger := telemetry.WithJobID(e.logger, job.ID).With("step", step.DisplayName())
	tracker := state.Items.Step(step.ID)
	req := &handlers.Request{
		JobID:      job.ID,
		FlowID:     job.FlowID,
		PipelineID: job.PipelineID,
		UserID:     job.UserID,
		Step:       step,
		Settings:   settings,
		Packets:    domain.ClonePackets(state.Packets()),
		PrevStep:   state.PrevStep(),
		Items:      tracker,
		Logger:     logger,
	}

	if step.Type == domain.StepTypeUpdate {
		result, _, ok := FindHandlerResult(state.Packets(), step.Handler)
		if !ok {
			return nil, fmt.Errorf("%w for handler %s", ErrToolResultMissing, step.Handler)
		}
		result = result.Clone()
		req.ToolResult = &result
	}

	timeout := step.Timeout(e.stepTimeout)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *handlers.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := invoke(stepCtx, d.Handler, req)
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-stepCtx.Done():
		select {
		case res = <-done:
		default:
			state.Items.Reject(tracker)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", handlers.ErrCancelled, ctx.Err())
			}
			logger.Warn("handler ignored step timeout, abandoning it", "handler", d.Key(), "timeout", timeout)
			return nil, fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
		}
	}

	if res.err != nil {
		state.Items.Reject(tracker)
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %v", ErrStepTimeout, timeout, res.err)
		}
		return nil, res.err
	}
	state.Items.Accept(tracker)
	if res.resp == nil {
		return &handlers.Response{}, nil
	}
	return res.resp, nil
}

// invoke вызывает обработчик, превращая panic в ошибку.
func invoke(ctx context.Context, h handlers.Handler, req *handlers.Request) (resp *handlers.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("%w: %v", ErrStepPanic, r)
		}
	}()
	return h.Execute(ctx, req)
}

// finish переводит job в финальный статус и сохраняет его.
func (e *Engine) finish(ctx context.Context, state *JobState, logger *slog.Logger) error {
	// Финальный статус пишется даже при отменённом контексте.
	ctx = context.WithoutCancel(ctx)
	job := state.Job

	status, details := state.Outcome()

	// Отметки упавшего job отбрасываются, чтобы повторный запуск
	// получил те же элементы.
	var commitErr error
	if status != domain.JobStatusFailed {
		if err := state.Items.Commit(ctx); err != nil {
			logger.Error("failed to commit processed items", "error", err)
			commitErr = fmt.Errorf("commit processed items: %w", err)
		}
	} else if n := state.Items.Pending(); n > 0 {
		logger.Info("processed items discarded", "items", n)
	}

	if err := job.Finish(status, details, e.now().UTC()); err != nil {
		return fmt.Errorf("finish job %d: %w", job.ID, err)
	}
	if err := e.jobs.FinishJob(ctx, job); err != nil {
		return fmt.Errorf("persist job %d: %w", job.ID, err)
	}

	telemetry.JobsFinished.WithLabelValues(string(status)).Inc()
	telemetry.JobDuration.WithLabelValues(string(status)).Observe(job.Duration().Seconds())

	if e.snapshots != nil {
		if err := e.snapshots.WriteSnapshot(ctx, job); err != nil {
			logger.Warn("failed to write job snapshot", "error", err)
		}
	}

	if status == domain.JobStatusFailed {
		logger.Warn("job failed",
			"status", status,
			"cause", details.String(),
			"duration", job.Duration(),
		)
		return nil
	}
	logger.Info("job finished",
		"status", status,
		"packets", len(state.Packets()),
		"duration", job.Duration(),
	)
	return commitErr
}
