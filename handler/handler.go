// Package handler exposes the controller's HTTP API (spec.md §6). The
// JSON shaping is deliberately thin; everything interesting happens in
// internal/controller.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alagyn/tubular/internal/controller"
	"github.com/alagyn/tubular/logger"
)

// Handler returns an http.Handler that exposes the controller API.
func Handler(ctrl *controller.Controller) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/pipelines", HandleGetPipelines(ctrl))
		r.Post("/pipelines", HandleQueuePipeline(ctrl))
		r.Get("/pipeline", HandleGetPipelineArgs(ctrl))
		r.Get("/runs", HandleGetRuns(ctrl))
		r.Get("/runs_stats", HandleGetRunsStats(ctrl))
		r.Get("/run", HandleGetRunMeta(ctrl))
		r.Get("/node_status", HandleGetNodeStatus(ctrl))
		r.Get("/branches", HandleGetBranches(ctrl))
		r.Get("/archive_list", HandleGetArtifactList(ctrl, "archive"))
		r.Get("/output_list", HandleGetArtifactList(ctrl, "output"))
		r.Get("/archive", HandleGetArtifactFile(ctrl, "archive"))
		r.Get("/output", HandleGetArtifactFile(ctrl, "output"))
	})

	r.Get("/healthz", HandleHealth())

	return r
}

// HandleHealth reports liveness.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	}
}
