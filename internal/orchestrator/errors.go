package orchestrator

import "errors"

// ErrAlreadyStarted — Start вызван повторно.
var ErrAlreadyStarted = errors.New("orchestrator already started")
