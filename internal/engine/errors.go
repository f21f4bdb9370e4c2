package engine

import "errors"

// Ошибки валидации pipeline.
var (
	// ErrEmptySteps — pipeline не содержит шагов.
	ErrEmptySteps = errors.New("pipeline has no steps")

	// ErrEmptyStepID — шаг не имеет ID.
	ErrEmptyStepID = errors.New("step has empty ID")

	// ErrDuplicateStepID — несколько шагов с одинаковым ID.
	ErrDuplicateStepID = errors.New("duplicate step ID")

	// ErrUnknownStepType — неизвестный тип шага.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrEmptyHandler — у шага не указан обработчик.
	ErrEmptyHandler = errors.New("step has no handler")

	// ErrUnknownHandler — обработчик шага не зарегистрирован.
	ErrUnknownHandler = errors.New("unknown handler")

	// ErrInvalidFormat — документ pipeline не разобран.
	ErrInvalidFormat = errors.New("invalid pipeline document")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// Ошибки выполнения шагов.
var (
	// ErrToolResultMissing — update-шаг не нашёл результат своего tool-вызова.
	ErrToolResultMissing = errors.New("upstream tool did not execute")

	// ErrStepPanic — обработчик запаниковал.
	ErrStepPanic = errors.New("handler panicked")

	// ErrStepTimeout — шаг превысил таймаут.
	ErrStepTimeout = errors.New("step timed out")

	// ErrPipelineNotFound — pipeline job не найден.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrFlowNotFound — flow job не найден.
	ErrFlowNotFound = errors.New("flow not found")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	StepID  string // ID шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.StepID != "" {
		return "step " + e.StepID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(stepID, field, message string, err error) *ValidationError {
	return &ValidationError{
		StepID:  stepID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
