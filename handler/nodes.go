package handler

import (
	"net/http"

	"github.com/alagyn/tubular/internal/controller"
	"github.com/alagyn/tubular/logger"
)

// HandleGetNodeStatus maps each configured node's name to its status.
func HandleGetNodeStatus(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, ctrl.NodeStatus(), http.StatusOK)
	}
}

// HandleGetBranches lists the pipeline repo's remote branches.
func HandleGetBranches(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		branches, err := ctrl.Branches(r.Context())
		if err != nil {
			logger.FromRequest(r).WithError(err).Errorln("listing branches failed")
			WriteError(w, err)
			return
		}
		WriteJSON(w, branches, http.StatusOK)
	}
}
