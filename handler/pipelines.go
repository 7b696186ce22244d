package handler

import (
	"encoding/json"
	"net/http"

	"github.com/alagyn/tubular/internal/controller"
	"github.com/alagyn/tubular/internal/runengine"
	"github.com/alagyn/tubular/internal/tuberrors"
	"github.com/alagyn/tubular/logger"
)

// pipelineReq is the wire shape of a run submission (spec.md §6): args
// travel as an ordered [{k,v}] list and collapse into a map, request
// keys overriding pipeline defaults.
type pipelineReq struct {
	Branch       string `json:"branch"`
	PipelinePath string `json:"pipeline_path"`
	Args         []struct {
		K string `json:"k"`
		V string `json:"v"`
	} `json:"args"`
}

// HandleGetPipelines lists the pipelines on a branch.
func HandleGetPipelines(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		branch := r.URL.Query().Get("branch")
		pipelines, err := ctrl.Pipelines(r.Context(), branch)
		if err != nil {
			logger.FromRequest(r).WithError(err).Errorln("listing pipelines failed")
			WriteBadRequest(w, err)
			return
		}
		WriteJSON(w, pipelines, http.StatusOK)
	}
}

// HandleQueuePipeline enqueues a pipeline run.
func HandleQueuePipeline(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipelineReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, &tuberrors.BadRequestError{Msg: "invalid request body: " + err.Error()})
			return
		}
		if req.PipelinePath == "" {
			WriteBadRequest(w, &tuberrors.BadRequestError{Msg: "pipeline_path is required"})
			return
		}

		args := make(map[string]string, len(req.Args))
		for _, kv := range req.Args {
			args[kv.K] = kv.V
		}

		ctrl.Submit(runengine.PipelineReq{
			Branch:       req.Branch,
			PipelinePath: req.PipelinePath,
			Args:         args,
		})
		WriteJSON(w, map[string]string{"msg": "queued"}, http.StatusCreated)
	}
}

// HandleGetPipelineArgs returns a pipeline's default args as an ordered
// [{k,v}] list.
func HandleGetPipelineArgs(ctrl *controller.Controller) http.HandlerFunc {
	type kv struct {
		K string `json:"k"`
		V string `json:"v"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		path := q.Get("pipelinePath")
		if path == "" {
			WriteBadRequest(w, &tuberrors.BadRequestError{Msg: "pipelinePath is required"})
			return
		}
		args, err := ctrl.PipelineArgs(r.Context(), path, q.Get("branch"))
		if err != nil {
			logger.FromRequest(r).WithError(err).Errorln("loading pipeline args failed")
			WriteError(w, err)
			return
		}
		out := make([]kv, 0, len(args))
		for _, a := range args {
			out = append(out, kv{K: a.Key, V: a.Value})
		}
		WriteJSON(w, out, http.StatusOK)
	}
}
