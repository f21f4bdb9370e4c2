package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job — одна попытка выполнения flow.
//
// Job создаётся Job Creator'ом (по расписанию, вручную или через retry)
// в статусе pending. Пока job активен, его статус, текущий шаг
// и детали ошибки пишет только Engine.
type Job struct {
	// ID — уникальный монотонный идентификатор (BIGSERIAL).
	ID int64 `json:"job_id"`

	PipelineID uuid.UUID `json:"pipeline_id"`
	FlowID     uuid.UUID `json:"flow_id"`
	UserID     int64     `json:"user_id"`

	// Status — текущий статус, см. JobStatus.
	Status JobStatus `json:"status"`

	// TriggerType — scheduled или manual.
	TriggerType TriggerType `json:"trigger_type"`

	CreatedAt time.Time `json:"created_at"`

	// StartedAt — время допуска job к выполнению. Устанавливается один раз.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt — время перехода в финальный статус.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CurrentStepName — имя выполняемого (или последнего выполненного) шага.
	CurrentStepName string `json:"current_step_name,omitempty"`

	// ErrorDetails — причина failed или сводка некритичных ошибок.
	ErrorDetails *ErrorDetails `json:"error_details,omitempty"`

	// RetryOf — ID job, повтором которого является этот job.
	RetryOf *int64 `json:"retry_of,omitempty"`
}

// ErrorDetails — структурированное описание ошибок job.
type ErrorDetails struct {
	// Cause — причина фатальной ошибки. Пусто для completed_with_errors.
	Cause string `json:"cause,omitempty"`

	// Step — имя шага, на котором произошла фатальная ошибка.
	Step string `json:"step,omitempty"`

	// Handler — "type/slug" обработчика этого шага.
	Handler string `json:"handler,omitempty"`

	// StepErrors — некритичные ошибки шагов.
	StepErrors []StepError `json:"step_errors,omitempty"`
}

// StepError — некритичная ошибка одного шага.
type StepError struct {
	Step    string `json:"step"`
	Handler string `json:"handler"`
	Message string `json:"message"`
}

// String возвращает краткое описание для логов и CLI.
func (d *ErrorDetails) String() string {
	if d == nil {
		return ""
	}
	var parts []string
	if d.Cause != "" {
		if d.Step != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", d.Step, d.Cause))
		} else {
			parts = append(parts, d.Cause)
		}
	}
	for _, e := range d.StepErrors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Step, e.Message))
	}
	return strings.Join(parts, "; ")
}

// IsFinished возвращает true, если job в финальном статусе.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// Duration возвращает время выполнения. 0, если job не завершён.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// MarkRunning переводит job в running и фиксирует started_at.
func (j *Job) MarkRunning(now time.Time) error {
	if err := ValidateTransition(j.Status, JobStatusRunning); err != nil {
		return err
	}
	j.Status = JobStatusRunning
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	return nil
}

// Finish переводит running job в финальный статус.
func (j *Job) Finish(status JobStatus, details *ErrorDetails, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if err := ValidateTransition(j.Status, status); err != nil {
		return err
	}
	if j.StartedAt != nil && now.Before(*j.StartedAt) {
		now = *j.StartedAt
	}
	j.Status = status
	j.CompletedAt = &now
	j.ErrorDetails = details
	return nil
}

// IsStuck возвращает true, если job в running дольше timeout.
func (j *Job) IsStuck(now time.Time, timeout time.Duration) bool {
	return j.Status == JobStatusRunning &&
		j.StartedAt != nil &&
		now.Sub(*j.StartedAt) > timeout
}
