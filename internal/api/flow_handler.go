package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/cache"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/jobs"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

// runLimitWindow — окно rate limit ручных запусков.
const runLimitWindow = time.Minute

// ListFlows возвращает список flows.
// GET /api/v1/flows?pipeline_id=...&user_id=...
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	var filter repo.FlowFilter

	if s := r.URL.Query().Get("pipeline_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			BadRequest(w, "invalid pipeline_id")
			return
		}
		filter.PipelineID = &id
	}
	if s := r.URL.Query().Get("user_id"); s != "" {
		userID, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			BadRequest(w, "invalid user_id")
			return
		}
		filter.UserID = &userID
	}

	flows, err := h.flows.ListFlows(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]FlowResponse, len(flows))
	for i, f := range flows {
		result[i] = FlowFromDomain(f)
	}

	List(w, result, len(result))
}

// CreateFlow создаёт flow. С activate=true расписание сразу включается.
// POST /api/v1/flows
func (h *Handler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req CreateFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}
	if req.PipelineID == uuid.Nil {
		BadRequest(w, "pipeline_id is required")
		return
	}
	if req.Interval == "" {
		req.Interval = domain.IntervalManual
	}
	if err := scheduler.ValidateInterval(req.Interval, false); err != nil {
		BadRequest(w, err.Error())
		return
	}

	pipeline, err := h.pipelines.GetPipeline(r.Context(), req.PipelineID)
	if HandleRepoError(w, h.logger, err, "pipeline not found") {
		return
	}
	for stepID := range req.HandlerOverrides {
		if _, ok := pipeline.Step(stepID); !ok {
			BadRequest(w, "handler_overrides: unknown step "+strconv.Quote(stepID))
			return
		}
	}

	flow := &domain.Flow{
		ID:         uuid.New(),
		PipelineID: req.PipelineID,
		Name:       req.Name,
		UserID:     req.UserID,
		Scheduling: domain.Scheduling{
			Interval: req.Interval,
			Status:   domain.ScheduleInactive,
		},
		HandlerOverrides: req.HandlerOverrides,
	}

	if err := h.flows.CreateFlow(r.Context(), flow); err != nil {
		HandleRepoError(w, h.logger, err, "pipeline not found")
		return
	}
	h.logger.Info("flow created", "flow_id", flow.ID, "pipeline_id", flow.PipelineID)

	if req.Activate && h.scheduler != nil {
		if err := h.scheduler.Activate(r.Context(), flow.ID); err != nil {
			HandleServiceError(w, h.logger, err)
			return
		}
		if flow, err = h.flows.GetFlow(r.Context(), flow.ID); HandleRepoError(w, h.logger, err, "flow not found") {
			return
		}
	}

	Created(w, FlowFromDomain(*flow))
}

// GetFlow возвращает flow по ID.
// GET /api/v1/flows/{id}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}

	flow, err := h.flows.GetFlow(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	Success(w, FlowFromDomain(*flow))
}

// DeleteFlow снимает триггер и удаляет flow.
// DELETE /api/v1/flows/{id}
func (h *Handler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}

	if _, err := h.flows.GetFlow(r.Context(), id); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	if err := h.unschedule(r, id); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	if err := h.flows.DeleteFlow(r.Context(), id); err != nil {
		HandleRepoError(w, h.logger, err, "flow not found")
		return
	}

	h.logger.Info("flow deleted", "flow_id", id)
	NoContent(w)
}

// RunFlow создаёт manual job для flow.
// POST /api/v1/flows/{id}/run
//
// Занятый flow — 409 с {success: false, reason}.
func (h *Handler) RunFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := flowID(w, r)
	if !ok {
		return
	}

	if !h.allowRun(w, r, id) {
		return
	}

	job, err := h.creator.Create(r.Context(), jobs.CreateRequest{
		FlowID:  id,
		Trigger: domain.TriggerManual,
	})
	if errors.Is(err, jobs.ErrFlowBusy) {
		JSON(w, http.StatusConflict, DataResponse{Data: RunResponse{Success: false, Reason: err.Error()}})
		return
	}
	if HandleServiceError(w, h.logger, err) {
		return
	}

	resp := JobFromDomain(*job)
	Created(w, RunResponse{Success: true, Job: &resp})
}

// allowRun применяет rate limit ручных запусков. При недоступности
// счётчика запрос пропускается.
func (h *Handler) allowRun(w http.ResponseWriter, r *http.Request, id uuid.UUID) bool {
	if h.limiter == nil || h.runRateLimit <= 0 {
		return true
	}

	count, err := h.limiter.IncrWithExpiry(r.Context(), cache.RunLimitKey(id.String()), runLimitWindow)
	if err != nil {
		h.logger.Warn("run rate limit unavailable", "flow_id", id, "error", err)
		return true
	}

	remaining := max(h.runRateLimit-int(count), 0)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.runRateLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

	if count > int64(h.runRateLimit) {
		w.Header().Set("Retry-After", strconv.Itoa(int(runLimitWindow.Seconds())))
		TooManyRequests(w, "too many manual runs for this flow")
		return false
	}
	return true
}

// unschedule снимает триггер flow, если scheduler подключён.
func (h *Handler) unschedule(r *http.Request, id uuid.UUID) error {
	if h.scheduler == nil {
		return nil
	}
	return h.scheduler.Deactivate(r.Context(), id)
}

func flowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid flow id")
		return uuid.Nil, false
	}
	return id, true
}
