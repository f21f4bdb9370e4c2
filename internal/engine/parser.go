package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
	"gopkg.in/yaml.v3"
)

// HandlerLookup — проверка наличия обработчика (реализуется handlers.Registry).
type HandlerLookup interface {
	Has(typ domain.StepType, slug string) bool
}

// ParsePipeline разбирает pipeline из JSON или YAML.
//
// Документ, начинающийся с '{', читается как JSON, остальное — как YAML:
//
//	name: rss-to-blog
//	steps:
//	  - id: fetch
//	    type: fetch
//	    handler: http_fetch
//	    settings:
//	      url: https://example.com/feed.json
func ParsePipeline(data []byte) (*domain.Pipeline, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidFormat)
	}

	var p domain.Pipeline
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		return &p, nil
	}
	if err := yaml.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return &p, nil
}

// ValidatePipeline выполняет полную валидацию pipeline.
//
// Проверяет:
//   - наличие шагов
//   - уникальность и непустоту ID шагов
//   - корректность типов шагов
//   - наличие обработчика (и его регистрацию, если lookup не nil)
func ValidatePipeline(p *domain.Pipeline, lookup HandlerLookup) error {
	if p == nil || len(p.Steps) == 0 {
		return ErrEmptySteps
	}

	seen := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		if err := ValidateStep(&p.Steps[i], seen, lookup); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStep валидирует один шаг.
// seen — уже встреченные ID шагов (для проверки уникальности).
func ValidateStep(step *domain.StepDef, seen map[string]bool, lookup HandlerLookup) error {
	if step.ID == "" {
		return NewValidationError("", "id", "step has empty ID", ErrEmptyStepID)
	}
	if seen[step.ID] {
		return NewValidationError(step.ID, "id",
			fmt.Sprintf("duplicate step ID: %s", step.ID), ErrDuplicateStepID)
	}
	seen[step.ID] = true

	if !step.Type.IsValid() {
		return NewValidationError(step.ID, "type",
			fmt.Sprintf("unknown step type: %q", step.Type), ErrUnknownStepType)
	}
	if step.Handler == "" {
		return NewValidationError(step.ID, "handler", "step has no handler", ErrEmptyHandler)
	}
	if lookup != nil && !lookup.Has(step.Type, step.Handler) {
		return NewValidationError(step.ID, "handler",
			fmt.Sprintf("unknown handler: %s/%s", step.Type, step.Handler), ErrUnknownHandler)
	}
	if step.TimeoutSec < 0 {
		return NewValidationError(step.ID, "timeout_sec", "timeout must not be negative", ErrInvalidFormat)
	}
	return nil
}
