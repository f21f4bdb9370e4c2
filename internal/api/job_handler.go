package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// ListJobs возвращает список jobs с фильтрацией.
// GET /api/v1/jobs?flow_id=...&status=...&limit=...&offset=...
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repo.JobFilter{Limit: defaultJobLimit}
	q := r.URL.Query()

	if s := q.Get("flow_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			BadRequest(w, "invalid flow_id")
			return
		}
		filter.FlowID = &id
	}

	if s := q.Get("status"); s != "" {
		status := domain.JobStatus(s)
		if !status.IsValid() {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = min(limit, maxJobLimit)
	}

	if s := q.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			BadRequest(w, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	list, err := h.jobs.ListJobs(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	List(w, jobsFromDomain(list), len(list))
}

// ListStuckJobs возвращает running jobs старше stuck timeout.
// GET /api/v1/jobs/stuck
func (h *Handler) ListStuckJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.jobs.ListStuck(r.Context(), h.now().Add(-h.stuckTimeout))
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	List(w, jobsFromDomain(list), len(list))
}

// GetJob возвращает job по ID. Завершённые jobs сначала ищутся в кэше.
// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	if h.snapshots != nil {
		job, found, err := h.snapshots.ReadSnapshot(r.Context(), id)
		if err != nil {
			h.logger.Warn("read job snapshot", "job_id", id, "error", err)
		}
		if found {
			Success(w, JobFromDomain(*job))
			return
		}
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	Success(w, JobFromDomain(*job))
}

// ListJobPackets возвращает историю пакетов job.
// GET /api/v1/jobs/{id}/packets
func (h *Handler) ListJobPackets(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	if _, err := h.jobs.GetJob(r.Context(), id); HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	packets, err := h.packets.ListPackets(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	if packets == nil {
		packets = []domain.DataPacket{}
	}

	List(w, packets, len(packets))
}

// RetryJob создаёт новый manual job для flow завершённого job.
// POST /api/v1/jobs/{id}/retry
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.creator.Retry(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	Created(w, JobFromDomain(*job))
}

// FailJob вручную завершает зависший job статусом failed.
// POST /api/v1/jobs/{id}/fail
//
// Допустимо только для running job, начатого раньше stuck timeout.
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	var req FailJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "marked failed by operator"
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	now := h.now()
	if !job.IsStuck(now, h.stuckTimeout) {
		InvalidState(w, "only stuck running jobs can be failed, job is "+string(job.Status))
		return
	}

	details := &domain.ErrorDetails{Cause: req.Reason, Step: job.CurrentStepName}
	if err := job.Finish(domain.JobStatusFailed, details, now); err != nil {
		InvalidState(w, err.Error())
		return
	}
	if err := h.jobs.FinishJob(r.Context(), job); err != nil {
		HandleRepoError(w, h.logger, err, "job not found")
		return
	}

	telemetry.JobsFinished.WithLabelValues(string(domain.JobStatusFailed)).Inc()
	telemetry.WithJobID(h.logger, id).Warn("stuck job failed by operator",
		"flow_id", job.FlowID,
		"reason", req.Reason,
	)
	Success(w, JobFromDomain(*job))
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		BadRequest(w, "invalid job id")
		return 0, false
	}
	return id, true
}

func jobsFromDomain(list []domain.Job) []JobResponse {
	result := make([]JobResponse, len(list))
	for i, j := range list {
		result[i] = JobFromDomain(j)
	}
	return result
}
