package scheduler

import "errors"

var (
	// ErrInvalidInterval — неизвестный slug интервала.
	ErrInvalidInterval = errors.New("invalid schedule interval")

	// ErrFlowNotFound — flow не существует.
	ErrFlowNotFound = errors.New("flow not found")
)
