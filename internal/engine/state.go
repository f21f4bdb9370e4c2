package engine

import (
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handlers"
)

// JobState — состояние выполнения одного job в памяти.
//
// Создаётся в начале Engine.Execute и живёт до финализации job.
// Используется одной горутиной, поэтому без блокировок.
type JobState struct {
	Job      *domain.Job
	Pipeline *domain.Pipeline
	Flow     *domain.Flow

	// packets — история пакетов job, только дополняется.
	packets []domain.DataPacket

	// stepErrors — некритичные ошибки шагов.
	stepErrors []domain.StepError

	// fatal — причина фатальной ошибки, nil если её не было.
	fatal *domain.ErrorDetails

	// noItems — fetch-шаг не нашёл новых элементов.
	noItems bool

	// prevStep — имя последнего выполненного шага.
	prevStep string

	// Items — отметки обработанных элементов, записываются при финализации.
	Items *handlers.ItemLog
}

// NewJobState создаёт состояние для job.
func NewJobState(job *domain.Job, pipeline *domain.Pipeline, flow *domain.Flow) *JobState {
	return &JobState{Job: job, Pipeline: pipeline, Flow: flow}
}

// Packets возвращает историю пакетов (без копирования).
func (s *JobState) Packets() []domain.DataPacket {
	return s.packets
}

// AppendPackets добавляет пакеты шага, записывая шаг в их history.
// Возвращает позицию первого добавленного пакета и сами пакеты.
func (s *JobState) AppendPackets(step string, packets []domain.DataPacket) (int, []domain.DataPacket) {
	offset := len(s.packets)
	stamped := make([]domain.DataPacket, len(packets))
	for i, p := range packets {
		stamped[i] = p.WithStep(step)
	}
	s.packets = append(s.packets, stamped...)
	return offset, stamped
}

// PrevStep возвращает имя последнего выполненного шага.
func (s *JobState) PrevStep() string {
	return s.prevStep
}

// StepDone запоминает выполненный шаг: его пакеты станут входом следующего.
func (s *JobState) StepDone(step string) {
	s.prevStep = step
}

// AddStepError записывает некритичную ошибку шага.
func (s *JobState) AddStepError(step, handler, message string) {
	s.stepErrors = append(s.stepErrors, domain.StepError{
		Step:    step,
		Handler: handler,
		Message: message,
	})
}

// Fail записывает фатальную ошибку. Сохраняется первая.
func (s *JobState) Fail(step, handler, cause string) {
	if s.fatal != nil {
		return
	}
	s.fatal = &domain.ErrorDetails{Cause: cause, Step: step, Handler: handler}
}

// MarkNoItems отмечает, что источник не дал новых элементов.
func (s *JobState) MarkNoItems() {
	s.noItems = true
}

// Failed возвращает true, если была фатальная ошибка.
func (s *JobState) Failed() bool {
	return s.fatal != nil
}

// Stopped возвращает true, если оставшиеся шаги выполнять не нужно.
func (s *JobState) Stopped() bool {
	return s.fatal != nil || s.noItems
}

// Outcome вычисляет финальный статус job и детали ошибок.
//
//   - фатальная ошибка → failed
//   - некритичные ошибки → completed_with_errors
//   - fetch без новых элементов или ни одного пакета → completed_no_items
//   - иначе → completed
func (s *JobState) Outcome() (domain.JobStatus, *domain.ErrorDetails) {
	if s.fatal != nil {
		details := *s.fatal
		details.StepErrors = s.stepErrors
		return domain.JobStatusFailed, &details
	}
	if len(s.stepErrors) > 0 {
		return domain.JobStatusCompletedWithErrors, &domain.ErrorDetails{StepErrors: s.stepErrors}
	}
	if s.noItems || len(s.packets) == 0 {
		return domain.JobStatusCompletedNoItems, nil
	}
	return domain.JobStatusCompleted, nil
}
