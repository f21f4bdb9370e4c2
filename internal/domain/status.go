package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition — переход статуса не разрешён машиной состояний.
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStatus — статус job.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ completed_with_errors
//	                  ↘ completed_no_items
//	                  ↘ failed
//
// Из финального статуса выхода нет: retry создаёт новый job.
type JobStatus string

const (
	// JobStatusPending — job создан и ждёт допуска Concurrency Gate.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning — job допущен, шаги выполняются.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted — все шаги выполнены, есть результат, ошибок нет.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusCompletedWithErrors — были некритичные ошибки шагов,
	// но результат пригоден.
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"

	// JobStatusCompletedNoItems — fetch-шаг не нашёл новых элементов.
	// Это нормальный исход, а не ошибка.
	JobStatusCompletedNoItems JobStatus = "completed_no_items"

	// JobStatusFailed — критичная ошибка прервала выполнение.
	JobStatusFailed JobStatus = "failed"
)

// AllJobStatuses — все статусы в порядке жизненного цикла.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusCompletedWithErrors,
	JobStatusCompletedNoItems,
	JobStatusFailed,
}

// transitions — разрешённые переходы.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning},
	JobStatusRunning: {
		JobStatusCompleted,
		JobStatusCompletedWithErrors,
		JobStatusCompletedNoItems,
		JobStatusFailed,
	},
}

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusCompletedNoItems, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для pending и running.
// Для одного flow может существовать не больше одного активного job.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// IsValid проверяет, известен ли статус.
func (s JobStatus) IsValid() bool {
	for _, st := range AllJobStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// CanTransition проверяет, разрешён ли переход from → to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition возвращает ErrInvalidTransition для запрещённого перехода.
func ValidateTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TriggerType — источник запуска job.
type TriggerType string

const (
	// TriggerScheduled — запуск по расписанию.
	TriggerScheduled TriggerType = "scheduled"

	// TriggerManual — ручной запуск ("run now", retry).
	TriggerManual TriggerType = "manual"
)

// IsValid проверяет, известен ли тип запуска.
func (t TriggerType) IsValid() bool {
	return t == TriggerScheduled || t == TriggerManual
}
