package handler

import (
	"net/http"
	"strconv"

	"github.com/alagyn/tubular/internal/controller"
	"github.com/alagyn/tubular/internal/tuberrors"
)

type runRow struct {
	RunNum     int64  `json:"run"`
	Branch     string `json:"branch"`
	StartMs    int64  `json:"start_ms"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"`
}

// HandleGetRuns lists a pipeline's runs, newest first.
func HandleGetRuns(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("pipelinePath")
		if path == "" {
			WriteBadRequest(w, &tuberrors.BadRequestError{Msg: "pipelinePath is required"})
			return
		}
		runs, err := ctrl.Runs(path)
		if err != nil {
			WriteError(w, err)
			return
		}
		out := make([]runRow, 0, len(runs))
		for _, run := range runs {
			out = append(out, runRow{
				RunNum:     run.RunNum,
				Branch:     run.Branch,
				StartMs:    run.StartMs,
				DurationMs: run.DurationMs,
				Status:     string(run.Status),
			})
		}
		WriteJSON(w, out, http.StatusOK)
	}
}

// HandleGetRunsStats counts the last 50 runs by status.
func HandleGetRunsStats(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := ctrl.RunsStats()
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, stats, http.StatusOK)
	}
}

// HandleGetRunMeta streams a run's raw meta JSON.
func HandleGetRunMeta(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		path := q.Get("pipeline")
		runNum, err := strconv.ParseInt(q.Get("run"), 10, 64)
		if path == "" || err != nil {
			WriteBadRequest(w, &tuberrors.BadRequestError{Msg: "pipeline and run are required"})
			return
		}
		meta, err := ctrl.RunMeta(path, runNum)
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(meta)) //nolint:errcheck
	}
}
