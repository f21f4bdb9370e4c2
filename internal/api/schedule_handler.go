package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

// ActivateFlow включает расписание flow. Для manual flow — no-op.
// POST /api/v1/flows/{id}/activate
func (h *Handler) ActivateFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}

	if HandleServiceError(w, h.logger, h.scheduler.Activate(r.Context(), id)) {
		return
	}
	h.respondFlow(w, r, id)
}

// DeactivateFlow выключает расписание flow.
// POST /api/v1/flows/{id}/deactivate
func (h *Handler) DeactivateFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}

	if HandleServiceError(w, h.logger, h.scheduler.Deactivate(r.Context(), id)) {
		return
	}
	h.respondFlow(w, r, id)
}

// RescheduleFlow меняет интервал flow.
// PUT /api/v1/flows/{id}/interval
func (h *Handler) RescheduleFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Interval == "" {
		BadRequest(w, "interval is required")
		return
	}

	if HandleServiceError(w, h.logger, h.scheduler.Reschedule(r.Context(), id, req.Interval)) {
		return
	}
	h.respondFlow(w, r, id)
}

// NextRun возвращает время следующего срабатывания триггера.
// GET /api/v1/flows/{id}/next-run
func (h *Handler) NextRun(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}

	if _, err := h.flows.GetFlow(r.Context(), id); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	at, scheduled, err := h.scheduler.NextRun(r.Context(), id)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	resp := NextRunResponse{FlowID: id, Scheduled: scheduled}
	if scheduled {
		resp.NextRunAt = &at
	}
	Success(w, resp)
}

// ListIntervals возвращает поддерживаемые интервалы.
// GET /api/v1/intervals
func (h *Handler) ListIntervals(w http.ResponseWriter, _ *http.Request) {
	slugs := scheduler.Intervals()
	result := make([]IntervalResponse, len(slugs))
	for i, slug := range slugs {
		d, _ := scheduler.IntervalDuration(slug)
		result[i] = IntervalResponse{Slug: slug, Seconds: int64(d.Seconds())}
	}
	List(w, result, len(result))
}

func (h *Handler) respondFlow(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	flow, err := h.flows.GetFlow(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	Success(w, FlowFromDomain(*flow))
}
