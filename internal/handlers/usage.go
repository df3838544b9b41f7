package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (r *Router) getUsage(w http.ResponseWriter, req *http.Request) {
	if r.deps.Usage == nil {
		unavailable(w, "usage counters")
		return
	}
	key := mux.Vars(req)["key"]
	c := r.deps.Usage.Get(key)
	if c == nil {
		respondError(w, http.StatusNotFound, "counter "+key+" not found")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (r *Router) syncUsage(w http.ResponseWriter, req *http.Request) {
	if r.deps.Usage == nil {
		unavailable(w, "usage counters")
		return
	}
	merged, conflict, err := r.deps.Usage.Sync(req.Context(), mux.Vars(req)["key"])
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	if merged == nil {
		respondError(w, http.StatusNotFound, "counter not known on either side")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"counter":  merged,
		"conflict": conflict,
	})
}
