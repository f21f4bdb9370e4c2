package api

import (
	"net/http"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ListHandlers возвращает зарегистрированные обработчики шагов.
// GET /api/v1/handlers?type=fetch
func (h *Handler) ListHandlers(w http.ResponseWriter, r *http.Request) {
	typ := domain.StepType(r.URL.Query().Get("type"))
	if typ != "" && !typ.IsValid() {
		BadRequest(w, "invalid step type")
		return
	}

	descriptors := h.registry.List(typ)
	result := make([]HandlerResponse, len(descriptors))
	for i, d := range descriptors {
		result[i] = HandlerFromDescriptor(d)
	}

	List(w, result, len(result))
}
