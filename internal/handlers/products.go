package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

func (r *Router) productStatus(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.deps.Engine.StatusOf(mux.Vars(req)["code"]))
}

// productLive asks the remote for the product's current allocations and
// falls back to the cache. ?timeout=2s and ?retries=N override the defaults.
func (r *Router) productLive(w http.ResponseWriter, req *http.Request) {
	if r.deps.Reconciler == nil {
		unavailable(w, "live check")
		return
	}
	product := strings.TrimSpace(mux.Vars(req)["code"])
	timeout := r.deps.LiveTimeout
	if v := req.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = d
	}
	retries := r.deps.LiveMaxRetries
	if v := req.URL.Query().Get("retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "retries must be a non-negative integer")
			return
		}
		retries = n
	}
	respondJSON(w, http.StatusOK, r.deps.Reconciler.CheckLive(req.Context(), product, timeout, retries))
}
