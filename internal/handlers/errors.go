package handlers

import (
	"errors"
	"fmt"
)

// Ошибки обработчиков.
var (
	// ErrHandlerNotFound — обработчик не зарегистрирован.
	ErrHandlerNotFound = errors.New("handler not registered")

	// ErrInvalidConfig — невалидные настройки шага.
	ErrInvalidConfig = errors.New("invalid handler settings")

	// ErrNoWork — у обработчика нет входных данных (нарушено предусловие).
	// В отличие от пустого fetch это ошибка, job завершается failed.
	ErrNoWork = errors.New("no input to process")

	// ErrCancelled — выполнение прервано контекстом (таймаут шага).
	ErrCancelled = errors.New("handler execution cancelled")

	// ErrTrackerClosed — отметка после завершения шага (например, обработчик
	// продолжил работу после таймаута).
	ErrTrackerClosed = errors.New("item tracker closed")
)

// HTTPError — ответ внешнего сервиса с не-2xx статусом.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

// Error реализует интерфейс error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// IsHTTPError проверяет, является ли ошибка HTTPError.
func IsHTTPError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr)
}
