package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Flow — запускаемый экземпляр pipeline.
//
// Flow привязывает pipeline к владельцу и политике расписания
// и хранит переопределения настроек обработчиков по шагам.
// Каждый запуск flow — это отдельный Job.
type Flow struct {
	// ID — уникальный идентификатор flow.
	ID uuid.UUID `json:"id"`

	// PipelineID — pipeline, который выполняет flow.
	// Flow всегда ссылается на существующий pipeline (ON DELETE CASCADE).
	PipelineID uuid.UUID `json:"pipeline_id"`

	// Name — имя flow для удобства пользователя.
	Name string `json:"name"`

	// UserID — владелец (пользователь/тенант).
	UserID int64 `json:"user_id"`

	// Scheduling — конфигурация расписания.
	// Пишется только Scheduler'ом (и API при создании flow).
	Scheduling Scheduling `json:"scheduling"`

	// HandlerOverrides — переопределения настроек: stepID → настройки.
	// Накладываются поверх StepDef.Settings.
	HandlerOverrides map[string]map[string]any `json:"handler_overrides,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepSettings возвращает итоговые настройки шага: настройки pipeline,
// поверх которых наложены переопределения flow.
func (f *Flow) StepSettings(step StepDef) map[string]any {
	settings := make(map[string]any, len(step.Settings))
	maps.Copy(settings, step.Settings)
	if f != nil {
		maps.Copy(settings, f.HandlerOverrides[step.ID])
	}
	return settings
}
