package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/middleware"
	"github.com/xelth-com/eckaddr/internal/models"
)

type registerAddressRequest struct {
	Code        string `json:"code" validate:"required,addresscode"`
	Description string `json:"description" validate:"max=255"`
}

// listAddresses returns every address, or only those with free capacity
// when ?available=true.
func (r *Router) listAddresses(w http.ResponseWriter, req *http.Request) {
	var slots []cache.Slot
	if ok, _ := strconv.ParseBool(req.URL.Query().Get("available")); ok {
		slots = r.deps.Engine.ListAvailableAddresses()
	} else {
		slots = r.deps.Engine.Search("")
	}
	respondSlots(w, slots)
}

func (r *Router) searchAddresses(w http.ResponseWriter, req *http.Request) {
	respondSlots(w, r.deps.Engine.Search(req.URL.Query().Get("q")))
}

func (r *Router) getAddress(w http.ResponseWriter, req *http.Request) {
	code, err := models.NormalizeAddressCode(mux.Vars(req)["code"])
	if err != nil {
		r.respondAppError(w, apperr.Wrap(apperr.InvalidFormat, err, "address"))
		return
	}
	c := r.deps.Engine.Cache()
	addr, ok := c.Address(code)
	if !ok {
		r.respondAppError(w, apperr.New(apperr.AddressNotFound, "address %s not found", code))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"address":     addr,
		"allocations": c.ProductsAt(code),
		"occupancy":   c.Occupancy(code),
		"full":        c.IsFull(code),
	})
}

func (r *Router) registerAddress(w http.ResponseWriter, req *http.Request) {
	var body registerAddressRequest
	if err := decode(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}
	out, err := r.deps.Engine.RegisterAddress(req.Context(), body.Code, body.Description, middleware.UserFrom(req.Context(), ""))
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	respondOutcome(w, http.StatusCreated, out.PendingSync, out)
}

func respondSlots(w http.ResponseWriter, slots []cache.Slot) {
	if slots == nil {
		slots = []cache.Slot{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(slots),
		"addresses": slots,
	})
}

// respondOutcome answers 202 for mutations accepted offline.
func respondOutcome(w http.ResponseWriter, status int, pending bool, out any) {
	if pending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, out)
}
