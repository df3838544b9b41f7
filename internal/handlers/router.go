package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/allocation"
	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/buildinfo"
	"github.com/xelth-com/eckaddr/internal/labels"
	"github.com/xelth-com/eckaddr/internal/middleware"
	eksync "github.com/xelth-com/eckaddr/internal/sync"
	"github.com/xelth-com/eckaddr/internal/usage"
	"github.com/xelth-com/eckaddr/internal/websocket"
)

// Deps are the services the API exposes. Sync, Usage, Printer and Hub are
// optional; their routes answer 503 when unset.
type Deps struct {
	Engine     *allocation.Engine
	Reconciler *eksync.Reconciler
	Sync       *eksync.SyncEngine
	Queue      *eksync.Queue
	Audit      *eksync.AuditLog
	Usage      *usage.Service
	Printer    *labels.Printer
	Hub        *websocket.Hub

	JWTSecret      string
	LiveTimeout    time.Duration
	LiveMaxRetries int
	Gatherer       prometheus.Gatherer
	Logger         zerolog.Logger
}

// Router wraps the mux router and the services behind it
type Router struct {
	*mux.Router
	deps Deps
	log  zerolog.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(deps Deps) *Router {
	if deps.LiveTimeout <= 0 {
		deps.LiveTimeout = 5 * time.Second
	}
	r := &Router{
		Router: mux.NewRouter(),
		deps:   deps,
		log:    deps.Logger.With().Str("component", "http").Logger(),
	}
	r.Use(middleware.RequestLogger(r.log))

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	if deps.Hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
			websocket.ServeWs(deps.Hub, w, req)
		})
	}

	// API routes (protected)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(deps.JWTSecret))

	api.HandleFunc("/addresses", r.listAddresses).Methods("GET")
	api.HandleFunc("/addresses", r.registerAddress).Methods("POST")
	api.HandleFunc("/addresses/search", r.searchAddresses).Methods("GET")
	api.HandleFunc("/addresses/{code}", r.getAddress).Methods("GET")

	api.HandleFunc("/allocations", r.allocate).Methods("POST")
	api.HandleFunc("/allocations/additional", r.addAdditional).Methods("POST")
	api.HandleFunc("/allocations/transfer", r.transfer).Methods("POST")
	api.HandleFunc("/allocations/{address}/{product}", r.deallocate).Methods("DELETE")

	api.HandleFunc("/products/{code}/status", r.productStatus).Methods("GET")
	api.HandleFunc("/products/{code}/live", r.productLive).Methods("GET")

	api.HandleFunc("/sync/status", r.syncStatus).Methods("GET")
	api.HandleFunc("/sync/drain", r.syncDrain).Methods("POST")
	api.HandleFunc("/sync/queue", r.syncQueue).Methods("GET")
	api.HandleFunc("/sync/failed", r.syncFailed).Methods("GET")
	api.HandleFunc("/sync/failed", r.clearFailed).Methods("DELETE")
	api.HandleFunc("/sync/conflicts", r.syncConflicts).Methods("GET")

	api.HandleFunc("/usage/{key}", r.getUsage).Methods("GET")
	api.HandleFunc("/usage/{key}/sync", r.syncUsage).Methods("POST")

	api.HandleFunc("/labels", r.printLabels).Methods("POST")
	api.HandleFunc("/labels", r.listLabels).Methods("GET")

	return r
}

// healthCheck reports liveness plus the cache and link state
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	c := r.deps.Engine.Cache()
	addrs, allocs := c.Stats()
	body := map[string]any{
		"status":      "ok",
		"build":       buildinfo.Current(),
		"loaded":      c.Loaded(),
		"loaded_at":   c.LoadedAt(),
		"addresses":   addrs,
		"allocations": allocs,
	}
	if r.deps.Sync != nil {
		st := r.deps.Sync.Status()
		body["online"] = st.Online
		body["pending"] = st.Pending
	}
	status := http.StatusOK
	if !c.Loaded() {
		body["status"] = "loading"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, body)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.AddressNotFound:
		return http.StatusNotFound
	case apperr.InvalidFormat:
		return http.StatusUnprocessableEntity
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	}
	switch apperr.ClassOf(kind) {
	case apperr.ClassValidation:
		return http.StatusConflict
	case apperr.ClassRemote:
		return http.StatusBadGateway
	case apperr.ClassIntegrity:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondAppError renders a classified error with its kind and details.
func (r *Router) respondAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	body := map[string]any{"error": err.Error()}
	if kind != "" {
		body["kind"] = kind
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	if status >= 500 {
		r.log.Warn().Err(err).Str("kind", string(kind)).Msg("Request failed")
	}
	respondJSON(w, status, body)
}

func unavailable(w http.ResponseWriter, what string) {
	respondError(w, http.StatusServiceUnavailable, what+" is not configured")
}
