package node

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alagyn/tubular/internal/tuberrors"
	"github.com/alagyn/tubular/logger"
)

// Handler exposes the node worker API the controller polls (spec.md
// §6): /status, /queue, /archive, /output.
func Handler(w *Worker) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/status", handleStatus(w))
	r.Post("/queue", handleQueue(w))
	r.Get("/archive", handleArtifact(w, w.ArchivePath))
	r.Get("/output", handleArtifact(w, w.OutputPath))
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, map[string]string{"status": "ok"}, http.StatusOK)
	})

	return r
}

func handleStatus(w *Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		updateConfig := r.URL.Query().Get("updateConfig") == "true"
		nodeStatus, taskStatus := w.Status(updateConfig)
		writeJSON(rw, map[string]string{
			"status":      string(nodeStatus),
			"task_status": string(taskStatus),
		}, http.StatusOK)
	}
}

func handleQueue(w *Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(rw, map[string]string{"msg": "invalid request body: " + err.Error()}, http.StatusBadRequest)
			return
		}
		if err := w.QueueTask(req); err != nil {
			if _, busy := err.(*tuberrors.BusyError); busy {
				writeJSON(rw, map[string]string{"msg": err.Error()}, http.StatusConflict)
				return
			}
			writeJSON(rw, map[string]string{"msg": err.Error()}, http.StatusInternalServerError)
			return
		}
		writeJSON(rw, map[string]string{"msg": "queued"}, http.StatusOK)
	}
}

// handleArtifact streams the named task's archive or output zip,
// resolved by the pathFor callback.
func handleArtifact(w *Worker, pathFor func(taskName string) string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		taskPath := r.URL.Query().Get("task_path")
		if taskPath == "" {
			writeJSON(rw, map[string]string{"msg": "task_path is required"}, http.StatusBadRequest)
			return
		}
		name := taskNameFromPath(taskPath)
		path := pathFor(name)
		if _, err := os.Stat(path); err != nil {
			writeJSON(rw, map[string]string{"msg": "no artifact for task " + name}, http.StatusNotFound)
			return
		}
		rw.Header().Set("Content-Type", "application/zip")
		http.ServeFile(rw, r, path)
	}
}

func taskNameFromPath(taskPath string) string {
	base := filepath.Base(taskPath)
	base = strings.TrimSuffix(base, ".yaml")
	return strings.TrimSuffix(base, ".yml")
}

func writeJSON(rw http.ResponseWriter, v interface{}, status int) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v) //nolint:errcheck
}
