package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepType — тип шага pipeline.
type StepType string

const (
	// StepTypeFetch — получение данных из источника.
	StepTypeFetch StepType = "fetch"

	// StepTypeProcess — обработка пакетов (AI, скрипты, трансформации).
	StepTypeProcess StepType = "process"

	// StepTypePublish — публикация результата во внешнюю систему.
	StepTypePublish StepType = "publish"

	// StepTypeUpdate — обновление исходного артефакта по результату tool-вызова.
	StepTypeUpdate StepType = "update"
)

// IsValid проверяет, известен ли тип шага.
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeFetch, StepTypeProcess, StepTypePublish, StepTypeUpdate:
		return true
	default:
		return false
	}
}

// Pipeline — упорядоченный шаблон шагов.
//
// Pipeline не выполняется сам по себе: запускается Flow, который
// ссылается на pipeline и добавляет расписание и переопределения настроек.
// Во время выполнения job pipeline не меняется.
type Pipeline struct {
	// ID — уникальный идентификатор pipeline.
	ID uuid.UUID `json:"id" yaml:"id,omitempty"`

	// Name — имя pipeline (например, "rss-to-blog").
	Name string `json:"name" yaml:"name"`

	// Steps — шаги в порядке выполнения.
	Steps []StepDef `json:"steps" yaml:"steps"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// StepDef — определение шага pipeline.
//
// Пример (YAML):
//
//	- id: fetch
//	  name: Fetch feed
//	  type: fetch
//	  handler: http_fetch
//	  settings:
//	    url: https://example.com/items.json
//	- id: publish
//	  name: Publish
//	  type: publish
//	  handler: webhook
//	  continue_on_error: true
type StepDef struct {
	// ID — уникальный идентификатор шага внутри pipeline.
	// Используется как ключ в Flow.HandlerOverrides.
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя. Записывается в history пакетов
	// и в current_step_name job.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type — тип шага: fetch, process, publish, update.
	Type StepType `json:"type" yaml:"type"`

	// Handler — slug обработчика в реестре (для пары Type+Handler).
	Handler string `json:"handler" yaml:"handler"`

	// Settings — настройки обработчика. Строковые значения могут
	// содержать Go-шаблоны ({{ .Flow.ID }}, {{ index .Latest.Metadata "source_url" }}).
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`

	// ContinueOnError — флаг критичности. По умолчанию false: ошибка шага
	// завершает job статусом failed. Если true, ошибка записывается и
	// job может завершиться completed_with_errors.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`

	// TimeoutSec — таймаут шага. 0 — таймаут по умолчанию из конфигурации.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// DisplayName возвращает имя шага, а если оно не задано — ID.
func (s StepDef) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Timeout возвращает таймаут шага или fallback, если он не задан.
func (s StepDef) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSec > 0 {
		return time.Duration(s.TimeoutSec) * time.Second
	}
	return fallback
}

// Step возвращает шаг по ID.
func (p *Pipeline) Step(id string) (StepDef, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDef{}, false
}
