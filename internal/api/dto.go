package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handlers"
)

// Pipeline DTOs

// PipelineResponse — ответ с pipeline.
type PipelineResponse struct {
	ID        uuid.UUID        `json:"id"`
	Name      string           `json:"name"`
	Steps     []domain.StepDef `json:"steps"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// PipelineFromDomain конвертирует domain.Pipeline в PipelineResponse.
func PipelineFromDomain(p domain.Pipeline) PipelineResponse {
	return PipelineResponse{
		ID:        p.ID,
		Name:      p.Name,
		Steps:     p.Steps,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// Flow DTOs

// CreateFlowRequest — запрос на создание flow.
type CreateFlowRequest struct {
	PipelineID       uuid.UUID                 `json:"pipeline_id"`
	Name             string                    `json:"name"`
	UserID           int64                     `json:"user_id"`
	Interval         string                    `json:"interval,omitempty"`
	Activate         bool                      `json:"activate,omitempty"`
	HandlerOverrides map[string]map[string]any `json:"handler_overrides,omitempty"`
}

// FlowResponse — ответ с flow.
type FlowResponse struct {
	ID               uuid.UUID                 `json:"id"`
	PipelineID       uuid.UUID                 `json:"pipeline_id"`
	Name             string                    `json:"name"`
	UserID           int64                     `json:"user_id"`
	Scheduling       domain.Scheduling         `json:"scheduling"`
	HandlerOverrides map[string]map[string]any `json:"handler_overrides,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// FlowFromDomain конвертирует domain.Flow в FlowResponse.
func FlowFromDomain(f domain.Flow) FlowResponse {
	return FlowResponse{
		ID:               f.ID,
		PipelineID:       f.PipelineID,
		Name:             f.Name,
		UserID:           f.UserID,
		Scheduling:       f.Scheduling,
		HandlerOverrides: f.HandlerOverrides,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
	}
}

// RunResponse — результат ручного запуска. При отказе Success=false
// и Reason объясняет причину, job не создаётся.
type RunResponse struct {
	Success bool         `json:"success"`
	Reason  string       `json:"reason,omitempty"`
	Job     *JobResponse `json:"job,omitempty"`
}

// Scheduling DTOs

// RescheduleRequest — запрос на смену интервала.
type RescheduleRequest struct {
	Interval string `json:"interval"`
}

// NextRunResponse — ближайшее срабатывание триггера flow.
type NextRunResponse struct {
	FlowID    uuid.UUID  `json:"flow_id"`
	Scheduled bool       `json:"scheduled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// IntervalResponse — поддерживаемый интервал.
type IntervalResponse struct {
	Slug    string `json:"slug"`
	Seconds int64  `json:"seconds"`
}

// Job DTOs

// JobResponse — ответ с job.
type JobResponse struct {
	ID              int64                `json:"job_id"`
	PipelineID      uuid.UUID            `json:"pipeline_id"`
	FlowID          uuid.UUID            `json:"flow_id"`
	UserID          int64                `json:"user_id"`
	Status          domain.JobStatus     `json:"status"`
	TriggerType     domain.TriggerType   `json:"trigger_type"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	CurrentStepName string               `json:"current_step_name,omitempty"`
	ErrorDetails    *domain.ErrorDetails `json:"error_details,omitempty"`
	RetryOf         *int64               `json:"retry_of,omitempty"`
	DurationMS      int64                `json:"duration_ms,omitempty"`
}

// JobFromDomain конвертирует domain.Job в JobResponse.
func JobFromDomain(j domain.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		PipelineID:      j.PipelineID,
		FlowID:          j.FlowID,
		UserID:          j.UserID,
		Status:          j.Status,
		TriggerType:     j.TriggerType,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		CurrentStepName: j.CurrentStepName,
		ErrorDetails:    j.ErrorDetails,
		RetryOf:         j.RetryOf,
		DurationMS:      j.Duration().Milliseconds(),
	}
}

// FailJobRequest — ручное завершение зависшего job.
type FailJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Handler DTOs

// HandlerResponse — описание обработчика шага.
type HandlerResponse struct {
	Key            string          `json:"key"`
	Type           domain.StepType `json:"type"`
	Slug           string          `json:"slug"`
	Label          string          `json:"label,omitempty"`
	SettingsSchema []string        `json:"settings_schema,omitempty"`
	RequiresAuth   bool            `json:"requires_auth"`
}

// HandlerFromDescriptor конвертирует handlers.Descriptor в HandlerResponse.
func HandlerFromDescriptor(d handlers.Descriptor) HandlerResponse {
	return HandlerResponse{
		Key:            d.Key(),
		Type:           d.Type,
		Slug:           d.Slug,
		Label:          d.Label,
		SettingsSchema: d.SettingsSchema,
		RequiresAuth:   d.RequiresAuth,
	}
}
