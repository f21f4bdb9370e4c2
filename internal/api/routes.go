package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes собирает chi-роутер API. extra монтируются внутри защищённой
// группы (например, MCP-сервер на /mcp).
func (h *Handler) Routes(extra map[string]http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(Recovery(h.logger))
	r.Use(Logging(h.logger))
	r.Use(Metrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Success(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(h.tokenHash))

		r.Route("/api/v1", func(r chi.Router) {
			// Pipelines
			r.Get("/pipelines", h.ListPipelines)
			r.Post("/pipelines", h.CreatePipeline)
			r.Post("/pipelines/validate", h.ValidatePipeline)
			r.Get("/pipelines/{id}", h.GetPipeline)
			r.Delete("/pipelines/{id}", h.DeletePipeline)

			// Flows
			r.Get("/flows", h.ListFlows)
			r.Post("/flows", h.CreateFlow)
			r.Get("/flows/{id}", h.GetFlow)
			r.Delete("/flows/{id}", h.DeleteFlow)
			r.Post("/flows/{id}/run", h.RunFlow)

			// Scheduling
			r.Post("/flows/{id}/activate", h.ActivateFlow)
			r.Post("/flows/{id}/deactivate", h.DeactivateFlow)
			r.Put("/flows/{id}/interval", h.RescheduleFlow)
			r.Get("/flows/{id}/next-run", h.NextRun)
			r.Get("/intervals", h.ListIntervals)

			// Jobs
			r.Get("/jobs", h.ListJobs)
			r.Get("/jobs/stuck", h.ListStuckJobs)
			r.Get("/jobs/{id}", h.GetJob)
			r.Get("/jobs/{id}/packets", h.ListJobPackets)
			r.Post("/jobs/{id}/retry", h.RetryJob)
			r.Post("/jobs/{id}/fail", h.FailJob)

			// Handlers
			r.Get("/handlers", h.ListHandlers)
		})

		for pattern, handler := range extra {
			r.Handle(pattern, handler)
		}
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		MethodNotAllowed(w)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		NotFound(w, "route not found")
	})

	return r
}
