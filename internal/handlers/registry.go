package handlers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Registry — реестр обработчиков, индексированный по (type, slug).
// Потокобезопасен.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Descriptor
	logger   *slog.Logger
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Descriptor),
		logger:   logger,
	}
}

// DefaultRegistry создаёт реестр со встроенными обработчиками.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	r.Register(NewHTTPFetch().Descriptor())
	r.Register(NewScript().Descriptor())
	r.Register(NewWebhook().Descriptor())
	r.Register(NewHTTPUpdate().Descriptor())

	return r
}

// Register регистрирует обработчик. Повторная регистрация той же пары
// (type, slug) заменяет предыдущую.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := d.Key()
	if _, exists := r.handlers[key]; exists {
		r.logger.Warn("handler overwritten", "handler", key)
	}
	r.handlers[key] = d
}

// Resolve возвращает обработчик по типу шага и slug.
// Возвращает ErrHandlerNotFound, если обработчик не зарегистрирован.
func (r *Registry) Resolve(typ domain.StepType, slug string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.handlers[HandlerKey(typ, slug)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrHandlerNotFound, HandlerKey(typ, slug))
	}
	return d, nil
}

// Has проверяет, зарегистрирован ли обработчик.
func (r *Registry) Has(typ domain.StepType, slug string) bool {
	_, err := r.Resolve(typ, slug)
	return err == nil
}

// List возвращает обработчики типа typ, отсортированные по slug.
// Пустой typ — все обработчики, отсортированные по (type, slug).
func (r *Registry) List(typ domain.StepType) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.handlers))
	for _, d := range r.handlers {
		if typ == "" || d.Type == typ {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Slug < out[j].Slug
	})
	return out
}

