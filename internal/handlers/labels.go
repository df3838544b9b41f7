package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/labels"
	"github.com/xelth-com/eckaddr/internal/middleware"
)

type printRequest struct {
	Addresses []string          `json:"addresses" validate:"required_without=Zone,dive,addresscode"`
	Zone      string            `json:"zone" validate:"omitempty,len=4,alphanum"`
	Product   string            `json:"product_code" validate:"max=64"`
	Copies    int               `json:"copies" validate:"gte=0,lte=100"`
	Layout    *labels.Layout    `json:"layout"`
	Metadata  map[string]string `json:"metadata"`
}

// printLabels renders the PDF for the requested addresses and records the
// job in the label log.
func (r *Router) printLabels(w http.ResponseWriter, req *http.Request) {
	if r.deps.Printer == nil {
		unavailable(w, "label printing")
		return
	}
	var body printRequest
	if err := decode(req, &body); err != nil {
		r.respondAppError(w, err)
		return
	}

	addresses := body.Addresses
	if len(addresses) == 0 {
		addresses = labels.ZoneAddresses(r.deps.Printer.Directory, body.Zone)
		if len(addresses) == 0 {
			r.respondAppError(w, apperr.New(apperr.AddressNotFound, "zone %s has no addresses", body.Zone))
			return
		}
	}
	layout := labels.DefaultLayout()
	if body.Layout != nil {
		layout = *body.Layout
	}

	pdfBytes, entries, err := r.deps.Printer.Print(labels.Job{
		Addresses: addresses,
		Product:   body.Product,
		Copies:    body.Copies,
		User:      middleware.UserFrom(req.Context(), "anonymous"),
		Metadata:  body.Metadata,
	}, layout)
	if err != nil {
		r.respondAppError(w, err)
		return
	}

	// Set headers for download
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"labels_%s.pdf\"", time.Now().UTC().Format("20060102_150405")))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdfBytes)))
	w.Header().Set("X-Label-Count", strconv.Itoa(len(entries)))

	w.Write(pdfBytes)
}

func (r *Router) listLabels(w http.ResponseWriter, req *http.Request) {
	if r.deps.Printer == nil || r.deps.Printer.Log == nil {
		unavailable(w, "label log")
		return
	}
	entries := r.deps.Printer.Log.Entries()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}
