package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Conveyor/internal/domain"
)

// TemplateContext — данные, доступные в шаблонах настроек шага:
//   - {{ .Job.ID }}, {{ .Job.TriggerType }}
//   - {{ .Flow.ID }}, {{ .Flow.Name }}, {{ .Flow.UserID }}
//   - {{ .Latest.Title }}, {{ index .Latest.Metadata "source_url" }}
type TemplateContext struct {
	Job  *domain.Job
	Flow *domain.Flow

	// Latest — последний пакет истории job (нулевой, если пакетов нет).
	Latest domain.DataPacket
}

// NewTemplateContext создаёт контекст шаблонов.
func NewTemplateContext(job *domain.Job, flow *domain.Flow, packets []domain.DataPacket) *TemplateContext {
	latest, _ := domain.LatestPacket(packets)
	if job == nil {
		job = &domain.Job{}
	}
	if flow == nil {
		flow = &domain.Flow{}
	}
	return &TemplateContext{Job: job, Flow: flow, Latest: latest}
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json сериализует значение в JSON строку.
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default возвращает def, если val пустой.
	"default": func(def, val any) any {
		if isEmpty(val) {
			return def
		}
		return val
	},

	// coalesce возвращает первое непустое значение.
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if !isEmpty(v) {
				return v
			}
		}
		return nil
	},

	// meta возвращает строковое значение metadata пакета.
	"meta": func(p domain.DataPacket, key string) string {
		return p.MetaString(key)
	},

	// truncate обрезает строку до n рун.
	"truncate": func(n int, s string) string {
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return string(r[:n])
	},

	"contains": strings.Contains,
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
	"replace":  strings.ReplaceAll,
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// Render рендерит строковый шаблон с контекстом.
//
// Шаблон может содержать Go template выражения:
//
//	{{ .Flow.ID }}
//	{{ index .Latest.Metadata "source_url" }}
//	{{ if .Latest.Title }}...{{ end }}
func Render(tmpl string, ctx *TemplateContext) (string, error) {
	// Проверяем, содержит ли строка шаблонные выражения
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Option("missingkey=zero").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит строки внутри произвольного значения,
// рекурсивно обходя map и slice. Остальные типы возвращаются как есть.
func RenderValue(value any, ctx *TemplateContext) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil

	case map[string]string:
		out := make(map[string]string, len(v))
		for key, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil

	default:
		return value, nil
	}
}

// RenderSettings рендерит настройки шага.
// Это обёртка над RenderValue для map[string]any.
func RenderSettings(settings map[string]any, ctx *TemplateContext) (map[string]any, error) {
	if settings == nil {
		return make(map[string]any), nil
	}

	rendered, err := RenderValue(settings, ctx)
	if err != nil {
		return nil, err
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrTemplateRender, rendered)
	}

	return result, nil
}
