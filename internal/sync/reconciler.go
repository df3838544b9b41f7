package sync

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

// LiveStatus is the answer of a live check for one product.
type LiveStatus struct {
	ProductCode string              `json:"product_code"`
	Allocated   bool                `json:"allocated"`
	Addresses   []string            `json:"addresses"`
	Allocations []models.Allocation `json:"allocations"`
	Source      LiveSource          `json:"source"`
	CheckedAt   time.Time           `json:"checked_at"`
	Attempts    int                 `json:"attempts"`
	// Err is the last failure when Source is cache.
	Err  string            `json:"error,omitempty"`
	Fold *cache.FoldResult `json:"fold,omitempty"`
}

// LiveFolder applies a live view to the cache. *allocation.Engine does it
// under its mutation lock; *cache.Cache satisfies it directly.
type LiveFolder interface {
	FoldLive(product string, live []models.Allocation, keep map[string]bool) cache.FoldResult
}

// PendingView tells the reconciler which addresses still have queued
// mutations for a product.
type PendingView interface {
	PendingAddressesFor(product string) map[string]bool
}

// ReconcilerOptions wires a Reconciler.
type ReconcilerOptions struct {
	FacilityID string
	Folder     LiveFolder
	Pending    PendingView
	Backoff    time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

// Reconciler answers where a product is with a direct remote query, and
// falls back to the cache when the remote does not answer in time.
type Reconciler struct {
	store      remote.Store
	cache      *cache.Cache
	folder     LiveFolder
	pending    PendingView
	facilityID string
	interval   time.Duration
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewReconciler creates a reconciler over c.
func NewReconciler(store remote.Store, c *cache.Cache, opts ReconcilerOptions) *Reconciler {
	if opts.Folder == nil {
		opts.Folder = c
	}
	if opts.FacilityID == "" {
		opts.FacilityID = c.FacilityID()
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Reconciler{
		store:      store,
		cache:      c,
		folder:     opts.Folder,
		pending:    opts.Pending,
		facilityID: opts.FacilityID,
		interval:   opts.Backoff,
		log:        opts.Logger.With().Str("component", "reconciler").Logger(),
		metrics:    opts.Metrics,
		now:        opts.Clock,
	}
}

// CheckLive queries the remote for product, each attempt bounded by
// timeout, retrying transient failures up to maxRetries times. Abandoning
// ctx is safe: the cache is only touched after a complete answer.
func (r *Reconciler) CheckLive(ctx context.Context, product string, timeout time.Duration, maxRetries int) LiveStatus {
	product = strings.TrimSpace(product)
	if maxRetries < 0 {
		maxRetries = 0
	}

	var rows []remote.AllocationRow
	attempts := 0
	query := func() error {
		attempts++
		qctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var err error
		rows, err = r.store.QueryLiveStatus(qctx, product, r.facilityID)
		if err == nil {
			return nil
		}
		err = remote.Classify(err, "query live status")
		if !apperr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.interval
	eb.MaxInterval = 4 * r.interval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	err := backoff.RetryNotify(query, b, func(err error, wait time.Duration) {
		r.log.Debug().Err(err).Str("product", product).Dur("wait", wait).Msg("Live check retrying")
	})
	if err != nil {
		return r.fromCache(product, attempts, err)
	}
	return r.fold(product, rows, attempts)
}

func (r *Reconciler) fold(product string, rows []remote.AllocationRow, attempts int) LiveStatus {
	loc := r.cache.Location()
	live := make([]models.Allocation, 0, len(rows))
	for _, row := range rows {
		if !row.IsActive() {
			continue
		}
		a, err := row.Normalize(loc)
		if err != nil {
			r.log.Warn().Err(err).Str("product", product).Msg("Skipping unreadable live row")
			continue
		}
		if !strings.EqualFold(a.ProductCode, product) {
			continue
		}
		a.ProductCode = product
		live = append(live, a)
	}

	var keep map[string]bool
	if r.pending != nil {
		keep = r.pending.PendingAddressesFor(product)
	}
	res := r.folder.FoldLive(product, live, keep)
	r.metrics.IncLiveCheck(string(SourceLive))

	addrs := make([]string, 0, len(live))
	for _, a := range live {
		addrs = append(addrs, a.Address)
	}
	st := LiveStatus{
		ProductCode: product,
		Allocated:   len(live) > 0,
		Addresses:   sortedUnique(addrs),
		Allocations: live,
		Source:      SourceLive,
		CheckedAt:   r.now(),
		Attempts:    attempts,
	}
	if res.Changed() || len(res.Skipped) > 0 {
		st.Fold = &res
	}
	return st
}

func (r *Reconciler) fromCache(product string, attempts int, err error) LiveStatus {
	r.metrics.IncLiveCheck(string(SourceCache))
	r.log.Warn().Err(err).Str("product", product).Int("attempts", attempts).Msg("⚠️  Live check failed, answering from cache")

	addrs := r.cache.AllAddressesOf(product)
	allocs := r.cache.AllocationsOf(product)
	if allocs == nil {
		allocs = []models.Allocation{}
	}
	return LiveStatus{
		ProductCode: product,
		Allocated:   len(addrs) > 0,
		Addresses:   addrs,
		Allocations: allocs,
		Source:      SourceCache,
		CheckedAt:   r.now(),
		Attempts:    attempts,
		Err:         err.Error(),
	}
}
