package handlers

import (
	"net/http"

	eksync "github.com/xelth-com/eckaddr/internal/sync"
)

func (r *Router) syncStatus(w http.ResponseWriter, req *http.Request) {
	if r.deps.Sync == nil {
		unavailable(w, "sync engine")
		return
	}
	respondJSON(w, http.StatusOK, r.deps.Sync.Status())
}

// syncDrain replays the queue now and returns the report.
func (r *Router) syncDrain(w http.ResponseWriter, req *http.Request) {
	if r.deps.Sync == nil {
		unavailable(w, "sync engine")
		return
	}
	res := r.deps.Sync.Run(req.Context(), eksync.RequestDrain)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, res)
}

func (r *Router) syncQueue(w http.ResponseWriter, req *http.Request) {
	if r.deps.Queue == nil {
		unavailable(w, "offline queue")
		return
	}
	pending := r.deps.Queue.Pending()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(pending),
		"mutations": pending,
	})
}

func (r *Router) syncFailed(w http.ResponseWriter, req *http.Request) {
	if r.deps.Queue == nil {
		unavailable(w, "offline queue")
		return
	}
	failed := r.deps.Queue.Failed()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(failed),
		"failures": failed,
	})
}

// clearFailed acknowledges the dead letters after an operator reviewed them.
func (r *Router) clearFailed(w http.ResponseWriter, req *http.Request) {
	if r.deps.Queue == nil {
		unavailable(w, "offline queue")
		return
	}
	if err := r.deps.Queue.ClearFailed(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) syncConflicts(w http.ResponseWriter, req *http.Request) {
	if r.deps.Audit == nil {
		unavailable(w, "conflict audit")
		return
	}
	entries := r.deps.Audit.Entries()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(entries),
		"conflicts": entries,
	})
}
