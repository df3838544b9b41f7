package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckaddr/internal/allocation"
	"github.com/xelth-com/eckaddr/internal/middleware"
)

type transferRequest struct {
	Source      string `json:"source" validate:"required,addresscode"`
	Destination string `json:"destination" validate:"required,addresscode"`
	ProductCode string `json:"product_code" validate:"required,max=64"`
}

func (r *Router) allocate(w http.ResponseWriter, req *http.Request) {
	r.placeProduct(w, req, r.deps.Engine.Allocate)
}

func (r *Router) addAdditional(w http.ResponseWriter, req *http.Request) {
	r.placeProduct(w, req, r.deps.Engine.AddAdditional)
}

func (r *Router) placeProduct(w http.ResponseWriter, req *http.Request, op func(ctx context.Context, req allocation.AllocateRequest) (allocation.Outcome, error)) {
	var body allocation.AllocateRequest
	if err := decode(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	body.User = middleware.UserFrom(req.Context(), "")
	out, err := op(req.Context(), body)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondOutcome(w, http.StatusCreated, out.PendingSync, out)
}

func (r *Router) transfer(w http.ResponseWriter, req *http.Request) {
	var body transferRequest
	if err := decode(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	out, err := r.deps.Engine.Transfer(req.Context(), body.Source, body.Destination, body.ProductCode, middleware.UserFrom(req.Context(), ""))
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondOutcome(w, http.StatusOK, out.PendingSync, out)
}

func (r *Router) deallocate(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	out, err := r.deps.Engine.Deallocate(req.Context(), vars["address"], vars["product"], middleware.UserFrom(req.Context(), ""))
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondOutcome(w, http.StatusOK, out.PendingSync, out)
}
