// Package allocation enforces the address occupancy rules and decides, per
// mutation, whether it goes to the remote store now or into the offline
// queue.
package allocation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

// Capacity is the number of products one address can hold.
const Capacity = 2

// Mutation outcomes as counted in metrics.
const (
	OutcomeOnline   = "online"
	OutcomeQueued   = "queued"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeStale    = "stale"
)

// Queue receives mutations that could not reach the remote store. An error
// from Enqueue means the mutation is held in memory but not persisted.
type Queue interface {
	Enqueue(m models.OfflineMutation) error
	HasPendingFor(product string) bool
	Len() int
}

// Connectivity is the engine's view of the connection manager.
type Connectivity interface {
	IsOnline() bool
	MarkOffline(reason string)
}

// Change is published after every mutation the engine accepts.
type Change struct {
	Operation models.Operation      `json:"operation"`
	Payload   models.MutationPayload `json:"payload"`
	Outcome   Outcome               `json:"outcome"`
}

// Options wires an Engine.
type Options struct {
	FacilityID   string
	Queue        Queue
	Connectivity Connectivity
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Clock        func() time.Time
	OnChange     func(Change)
	// OnBacklog runs when a mutation was queued behind earlier ones while
	// the link is up, so the caller can ask for a drain.
	OnBacklog func()
}

// Outcome describes an accepted mutation.
type Outcome struct {
	Operation   models.Operation `json:"operation"`
	Address     string           `json:"address"`
	Destination string           `json:"destination,omitempty"`
	ProductCode string           `json:"product_code,omitempty"`
	Occupancy   int              `json:"occupancy"`
	// PendingSync is set when the mutation was applied locally and queued.
	PendingSync bool   `json:"pending_sync"`
	MutationID  string `json:"mutation_id,omitempty"`
	// Stale is set when the remote accepted the mutation but the reload
	// that should follow it failed; the cache holds a local application.
	Stale bool `json:"stale"`
}

// Engine serializes mutations for one facility.
type Engine struct {
	mu sync.Mutex

	cache      *cache.Cache
	store      remote.Store
	queue      Queue
	conn       Connectivity
	facilityID string
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	onChange   func(Change)
	onBacklog  func()
}

// New creates an engine over a loaded (or loadable) cache.
func New(c *cache.Cache, store remote.Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FacilityID == "" {
		opts.FacilityID = c.FacilityID()
	}
	return &Engine{
		cache:      c,
		store:      store,
		queue:      opts.Queue,
		conn:       opts.Connectivity,
		facilityID: opts.FacilityID,
		log:        opts.Logger.With().Str("component", "allocation").Logger(),
		metrics:    opts.Metrics,
		now:        opts.Clock,
		onChange:   opts.OnChange,
		onBacklog:  opts.OnBacklog,
	}
}

// Cache exposes the engine's cache for read paths.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// AllocateRequest carries the arguments of Allocate and AddAdditional.
type AllocateRequest struct {
	Address       string `json:"address" validate:"required,addresscode"`
	ProductCode   string `json:"product_code" validate:"required,max=64"`
	Description   string `json:"description" validate:"max=255"`
	Validity      string `json:"validity" validate:"omitempty,validity"`
	AllowMultiple bool   `json:"allow_multiple"`
	Barcode       string `json:"barcode" validate:"max=64"`
	Lot           string `json:"lot" validate:"max=64"`
	User          string `json:"-"`
}

func (r AllocateRequest) payload() models.MutationPayload {
	return models.MutationPayload{
		Address:            r.Address,
		ProductCode:        r.ProductCode,
		ProductDescription: r.Description,
		Validity:           models.Validity(r.Validity),
		AllowMultiple:      r.AllowMultiple,
		Barcode:            r.Barcode,
		Lot:                r.Lot,
		User:               r.User,
	}
}

// Allocate places a product at an address. Unless AllowMultiple is set,
// the product must not be allocated anywhere else.
func (e *Engine) Allocate(ctx context.Context, req AllocateRequest) (Outcome, error) {
	return e.mutate(ctx, models.OpAllocate, req.payload())
}

// AddAdditional places an already allocated product at a further address.
func (e *Engine) AddAdditional(ctx context.Context, req AllocateRequest) (Outcome, error) {
	p := req.payload()
	p.AllowMultiple = true
	return e.mutate(ctx, models.OpAddAdditional, p)
}

// Transfer moves product from source to destination in one remote call.
func (e *Engine) Transfer(ctx context.Context, source, destination, product, user string) (Outcome, error) {
	return e.mutate(ctx, models.OpTransfer, models.MutationPayload{
		Address:            source,
		DestinationAddress: destination,
		ProductCode:        product,
		User:               user,
	})
}

// Deallocate releases product from addr.
func (e *Engine) Deallocate(ctx context.Context, addr, product, user string) (Outcome, error) {
	return e.mutate(ctx, models.OpDeallocate, models.MutationPayload{
		Address:     addr,
		ProductCode: product,
		User:        user,
	})
}

// RegisterAddress creates a new active address.
func (e *Engine) RegisterAddress(ctx context.Context, code, description, user string) (Outcome, error) {
	return e.mutate(ctx, models.OpRegisterAddress, models.MutationPayload{
		Address:            code,
		AddressDescription: description,
		User:               user,
	})
}

// Reload rebuilds the cache, waiting for any mutation in flight. Queued
// mutations are replayed onto the new snapshot by the cache.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Load(ctx)
}

// FoldLive merges a live view of product into the cache between
// mutations, so a fold never lands inside a validate and reload window.
func (e *Engine) FoldLive(product string, live []models.Allocation, keep map[string]bool) cache.FoldResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.FoldLive(product, live, keep)
}

func (e *Engine) online() bool {
	return e.conn == nil || e.conn.IsOnline()
}

func (e *Engine) mutate(ctx context.Context, op models.Operation, p models.MutationPayload) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validate(op, &p); err != nil {
		e.metrics.IncMutation(string(op), OutcomeInvalid)
		e.log.Debug().Err(err).Str("operation", string(op)).Str("address", p.Address).Msg("Mutation refused")
		return Outcome{}, err
	}
	p.At = e.now()

	if !e.online() {
		return e.deferMutation(op, p, "offline")
	}
	if e.queue != nil && e.queue.Len() > 0 {
		// the remote has not seen the queued mutations yet; going direct
		// would overtake them
		out, err := e.deferMutation(op, p, "behind queued mutations")
		if err == nil && e.onBacklog != nil {
			e.onBacklog()
		}
		return out, err
	}

	_, err := remote.Invoke(ctx, e.store, e.facilityID, op, p)
	switch {
	case err == nil:
	case apperr.IsTransient(err) && e.queue != nil:
		if e.conn != nil {
			e.conn.MarkOffline(err.Error())
		}
		e.log.Warn().Err(err).Str("operation", string(op)).Msg("⚠️  Remote unreachable, queueing mutation")
		return e.deferMutation(op, p, err.Error())
	case errors.Is(err, apperr.RemoteRejected):
		e.metrics.IncMutation(string(op), OutcomeRejected)
		e.log.Warn().Err(err).Str("operation", string(op)).Msg("Remote rejected mutation, reloading")
		if lerr := e.cache.Load(ctx); lerr != nil {
			e.log.Error().Err(lerr).Msg("❌ Reload after rejection failed")
		}
		return Outcome{}, rejection(err)
	default:
		return Outcome{}, err
	}

	out := e.outcome(op, p)
	if lerr := e.cache.Load(ctx); lerr != nil {
		// the remote has the change; mirror it so reads do not regress
		if aerr := e.cache.ApplyLocal(models.OfflineMutation{Operation: op, Payload: p}); aerr != nil {
			e.log.Error().Err(aerr).Msg("❌ Local apply after failed reload")
		}
		out.Stale = true
		e.metrics.IncMutation(string(op), OutcomeStale)
		e.log.Warn().Err(lerr).Str("operation", string(op)).Msg("⚠️  Mutation applied remotely, cache reload failed")
	} else {
		e.metrics.IncMutation(string(op), OutcomeOnline)
	}
	out.Occupancy = e.cache.Occupancy(out.occupancyAddress())
	e.publish(op, p, out)
	return out, nil
}

func (e *Engine) deferMutation(op models.Operation, p models.MutationPayload, reason string) (Outcome, error) {
	if e.queue == nil {
		return Outcome{}, apperr.New(apperr.RemoteFailure, "%s: remote unavailable and no offline queue", op)
	}
	m := models.OfflineMutation{
		ID:         uuid.NewString(),
		Operation:  op,
		Payload:    p,
		EnqueuedAt: e.now(),
	}
	if err := e.cache.ApplyLocal(m); err != nil {
		return Outcome{}, err
	}
	if err := e.queue.Enqueue(m); err != nil {
		e.log.Warn().Err(err).Str("mutation", m.ID).Msg("⚠️  Queued mutation not persisted, held in memory")
	}
	e.metrics.IncMutation(string(op), OutcomeQueued)
	e.log.Info().
		Str("mutation", m.ID).
		Str("operation", string(op)).
		Str("address", p.Address).
		Str("reason", reason).
		Msg("📥 Mutation applied locally, pending sync")

	out := e.outcome(op, p)
	out.PendingSync = true
	out.MutationID = m.ID
	out.Occupancy = e.cache.Occupancy(out.occupancyAddress())
	e.publish(op, p, out)
	return out, nil
}

func (e *Engine) outcome(op models.Operation, p models.MutationPayload) Outcome {
	return Outcome{
		Operation:   op,
		Address:     p.Address,
		Destination: p.DestinationAddress,
		ProductCode: p.ProductCode,
	}
}

func (o Outcome) occupancyAddress() string {
	if o.Destination != "" {
		return o.Destination
	}
	return o.Address
}

func (e *Engine) publish(op models.Operation, p models.MutationPayload, out Outcome) {
	if e.onChange != nil {
		e.onChange(Change{Operation: op, Payload: p, Outcome: out})
	}
}

// rejection surfaces the server's validation kind while keeping
// RemoteRejected in the chain.
func rejection(err error) error {
	kind := remote.RejectionKind(err)
	if apperr.ClassOf(kind) != apperr.ClassValidation {
		return err
	}
	return apperr.Wrap(kind, err, "rejected by remote store")
}
