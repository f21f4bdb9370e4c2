package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/repo"
)

// maxPipelineBody — предел размера документа pipeline.
const maxPipelineBody = 1 << 20

// ListPipelines возвращает список pipelines.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.pipelines.ListPipelines(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]PipelineResponse, len(pipelines))
	for i, p := range pipelines {
		result[i] = PipelineFromDomain(p)
	}

	List(w, result, len(result))
}

// CreatePipeline создаёт pipeline из JSON или YAML документа.
// POST /api/v1/pipelines
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPipelineBody))
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	p, err := engine.ParsePipeline(body)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	if p.Name == "" {
		BadRequest(w, "name is required")
		return
	}
	if HandleServiceError(w, h.logger, engine.ValidatePipeline(p, h.registry)) {
		return
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	if err := h.pipelines.CreatePipeline(r.Context(), p); err != nil {
		HandleRepoError(w, h.logger, err, "")
		return
	}

	h.logger.Info("pipeline created", "pipeline_id", p.ID, "steps", len(p.Steps))
	Created(w, PipelineFromDomain(*p))
}

// ValidatePipeline проверяет документ pipeline без сохранения.
// POST /api/v1/pipelines/validate
func (h *Handler) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPipelineBody))
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	p, err := engine.ParsePipeline(body)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	if HandleServiceError(w, h.logger, engine.ValidatePipeline(p, h.registry)) {
		return
	}

	Success(w, PipelineFromDomain(*p))
}

// GetPipeline возвращает pipeline по ID.
// GET /api/v1/pipelines/{id}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid pipeline id")
		return
	}

	p, err := h.pipelines.GetPipeline(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "pipeline not found") {
		return
	}

	Success(w, PipelineFromDomain(*p))
}

// DeletePipeline удаляет pipeline вместе с его flows.
// DELETE /api/v1/pipelines/{id}
func (h *Handler) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid pipeline id")
		return
	}

	if _, err := h.pipelines.GetPipeline(r.Context(), id); HandleRepoError(w, h.logger, err, "pipeline not found") {
		return
	}

	// Триггеры flows снимаются до каскадного удаления.
	flows, err := h.flows.ListFlows(r.Context(), repo.FlowFilter{PipelineID: &id})
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	for _, f := range flows {
		if err := h.unschedule(r, f.ID); err != nil {
			InternalError(w, h.logger, err)
			return
		}
	}

	if err := h.pipelines.DeletePipeline(r.Context(), id); err != nil {
		HandleRepoError(w, h.logger, err, "pipeline not found")
		return
	}

	h.logger.Info("pipeline deleted", "pipeline_id", id)
	NoContent(w)
}
