package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Handler — обработчик шага pipeline.
type Handler interface {
	// Execute выполняет шаг. Обработчик должен уважать ctx.Done():
	// по таймауту шага Engine перестаёт ждать и бросает вызов.
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute вызывает f(ctx, req).
func (f HandlerFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Descriptor — описание зарегистрированного обработчика.
type Descriptor struct {
	Type  domain.StepType `json:"type"`
	Slug  string          `json:"slug"`
	Label string          `json:"label,omitempty"`

	// SettingsSchema — документированные ключи настроек.
	SettingsSchema []string `json:"settings_schema,omitempty"`

	// RequiresAuth — обработчику нужны учётные данные пользователя.
	RequiresAuth bool `json:"requires_auth"`

	Handler Handler `json:"-"`
}

// Key возвращает "type/slug".
func (d Descriptor) Key() string {
	return HandlerKey(d.Type, d.Slug)
}

// HandlerKey возвращает "type/slug".
func HandlerKey(typ domain.StepType, slug string) string {
	return fmt.Sprintf("%s/%s", typ, slug)
}

// Request — входные данные шага.
type Request struct {
	JobID      int64
	FlowID     uuid.UUID
	PipelineID uuid.UUID
	UserID     int64

	// Step — определение выполняемого шага.
	Step domain.StepDef

	// Settings — итоговые настройки (pipeline + overrides flow), уже отрендеренные.
	Settings map[string]any

	// Packets — копия всей истории пакетов job в порядке добавления.
	Packets []domain.DataPacket

	// PrevStep — имя предыдущего шага pipeline. Пусто для первого шага.
	PrevStep string

	// Items — журнал обработанных элементов для этого шага. Может быть nil.
	Items *ItemTracker

	// ToolResult — найденный результат tool-вызова (только для update-шагов).
	ToolResult *domain.DataPacket

	Logger *slog.Logger
}

// Latest возвращает последний пакет истории.
func (r *Request) Latest() (domain.DataPacket, bool) {
	return domain.LatestPacket(r.Packets)
}

// Inputs возвращает пакеты, добавленные предыдущим шагом (PrevStep).
// Если предыдущий шаг не добавил пакетов, результат пуст: более старые
// пакеты не подставляются.
func (r *Request) Inputs() []domain.DataPacket {
	if r.PrevStep == "" {
		return nil
	}
	start := len(r.Packets)
	for start > 0 && lastStep(r.Packets[start-1]) == r.PrevStep {
		start--
	}
	if start == len(r.Packets) {
		return nil
	}
	return r.Packets[start:]
}

func (r *Request) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func lastStep(p domain.DataPacket) string {
	if len(p.History) == 0 {
		return ""
	}
	return p.History[len(p.History)-1]
}

// Response — результат шага.
type Response struct {
	// Packets — только новые пакеты этого шага.
	Packets []domain.DataPacket

	// Errors — некритичные ошибки по отдельным элементам.
	Errors []string
}

// AddError добавляет некритичную ошибку.
func (r *Response) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// --- Чтение настроек ---

// SettingString извлекает строковое значение настройки.
func SettingString(settings map[string]any, key string) string {
	if v, ok := settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SettingStringOr возвращает строку или def, если ключ пуст.
func SettingStringOr(settings map[string]any, key, def string) string {
	if s := SettingString(settings, key); s != "" {
		return s
	}
	return def
}

// SettingInt извлекает числовое значение настройки.
func SettingInt(settings map[string]any, key string) int {
	if v, ok := settings[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// SettingIntList извлекает список чисел (например, HTTP-коды).
func SettingIntList(settings map[string]any, key string) []int {
	v, ok := settings[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []int:
		return list
	case []any:
		out := make([]int, 0, len(list))
		for _, item := range list {
			switch n := item.(type) {
			case int:
				out = append(out, n)
			case int64:
				out = append(out, int(n))
			case float64:
				out = append(out, int(n))
			}
		}
		return out
	}
	return nil
}

// SettingBool извлекает булево значение настройки.
func SettingBool(settings map[string]any, key string, def bool) bool {
	if v, ok := settings[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// SettingStringMap извлекает map[string]string (заголовки и т.п.).
func SettingStringMap(settings map[string]any, key string) map[string]string {
	v, ok := settings[key]
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
