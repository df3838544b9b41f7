// Package cache holds the in-memory view of one facility's addresses and
// their occupants, rebuilt from the remote store.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultPageSize = 1000
	DefaultCapacity = 2
	maxPages        = 10000
)

// Anomaly kinds reported while building a snapshot from remote rows.
const (
	AnomalyOverCapacity   = "over_capacity"
	AnomalyDuplicate      = "duplicate"
	AnomalyUnknownAddress = "unknown_address"
	AnomalyBadRow         = "bad_row"
	AnomalyPendingRefused = "pending_refused"
)

// Pending lists mutations applied locally but not yet accepted by the
// remote store, oldest first.
type Pending interface {
	Pending() []models.OfflineMutation
}

// Options configures a Cache.
type Options struct {
	FacilityID string
	PageSize   int
	Capacity   int
	Location   *time.Location
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	// Pending is replayed onto every freshly loaded snapshot.
	Pending Pending
}

// Slot is an address together with its current occupants.
type Slot struct {
	Address     models.Address      `json:"address"`
	Allocations []models.Allocation `json:"allocations"`
}

// Cache is safe for concurrent use. Reads never block on the network;
// only Load talks to the remote store.
type Cache struct {
	store      remote.Store
	facilityID string
	pageSize   int
	capacity   int
	loc        *time.Location
	log        zerolog.Logger
	metrics    *metrics.Metrics
	pending    Pending

	mu   sync.RWMutex
	snap *snapshot
}

// New creates an empty cache. Call Load before serving reads.
func New(store remote.Store, opts Options) *Cache {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Cache{
		store:      store,
		facilityID: opts.FacilityID,
		pageSize:   opts.PageSize,
		capacity:   opts.Capacity,
		loc:        opts.Location,
		log:        opts.Logger.With().Str("component", "cache").Str("facility", opts.FacilityID).Logger(),
		metrics:    opts.Metrics,
		pending:    opts.Pending,
		snap:       newSnapshot(),
	}
}

// FacilityID returns the facility this cache serves.
func (c *Cache) FacilityID() string { return c.facilityID }

// Capacity is the occupancy limit per address.
func (c *Cache) Capacity() int { return c.capacity }

// Location is the zone remote timestamps without an offset are read in.
func (c *Cache) Location() *time.Location { return c.loc }

// Load fetches every address and active allocation, replays the pending
// mutations on top and swaps the result in at once. On any error the
// previous snapshot stays and LoadFailure is returned.
func (c *Cache) Load(ctx context.Context) error {
	start := time.Now()

	var (
		addrs []models.Address
		rows  []remote.AllocationRow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		addrs, err = loadPages(gctx, c.pageSize, func(ctx context.Context, page, size int) ([]models.Address, error) {
			return c.store.LoadAddresses(ctx, c.facilityID, page, size)
		})
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = loadPages(gctx, c.pageSize, func(ctx context.Context, page, size int) ([]remote.AllocationRow, error) {
			return c.store.LoadAllocations(ctx, c.facilityID, page, size)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		c.metrics.IncReloadFailure()
		c.log.Error().Err(err).Msg("❌ Cache load failed, keeping previous snapshot")
		return apperr.Wrap(apperr.LoadFailure, err, "load facility %s", c.facilityID)
	}

	snap := c.build(addrs, rows)
	replayed := c.replayPending(snap)
	snap.loadedAt = time.Now()

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	nAddr, nAlloc := snap.size()
	c.metrics.IncReload()
	c.metrics.SetSnapshotSize(nAddr, nAlloc)
	c.log.Info().
		Int("addresses", nAddr).
		Int("allocations", nAlloc).
		Int("pending_replayed", replayed).
		Dur("took", time.Since(start)).
		Msg("✅ Cache loaded")
	return nil
}

// loadPages reads pages until one comes back shorter than size.
func loadPages[T any](ctx context.Context, size int, fetch func(ctx context.Context, page, size int) ([]T, error)) ([]T, error) {
	var out []T
	for page := 0; page < maxPages; page++ {
		batch, err := fetch(ctx, page, size)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < size {
			return out, nil
		}
	}
	return nil, apperr.New(apperr.LoadFailure, "more than %d pages of %d rows", maxPages, size)
}

// build turns remote rows into a snapshot. Rows that break the occupancy
// rules are dropped and reported, so the snapshot always satisfies them.
func (c *Cache) build(addrs []models.Address, rows []remote.AllocationRow) *snapshot {
	snap := newSnapshot()
	for _, a := range addrs {
		a.Code = key(a.Code)
		if a.FacilityID == "" {
			a.FacilityID = c.facilityID
		}
		snap.addresses[a.Code] = a
	}

	normalized := make([]models.Allocation, 0, len(rows))
	for i, r := range rows {
		if !r.IsActive() {
			continue
		}
		a, err := r.Normalize(c.loc)
		if err != nil {
			c.anomaly(AnomalyBadRow, "", "").Int("row", i).Err(err).Msg("⚠️  Skipping unreadable allocation row")
			continue
		}
		a.Address = key(a.Address)
		normalized = append(normalized, a)
	}
	sortByTime(normalized)

	for _, a := range normalized {
		if _, ok := snap.addresses[a.Address]; !ok {
			// the remote is the system of record; keep what it reports
			c.anomaly(AnomalyUnknownAddress, a.Address, a.ProductCode).Msg("⚠️  Allocation at unknown address")
		}
		if snap.holds(a.Address, a.ProductCode) {
			c.anomaly(AnomalyDuplicate, a.Address, a.ProductCode).Msg("⚠️  Duplicate allocation row dropped")
			continue
		}
		if len(snap.allocations[a.Address]) >= c.capacity {
			c.anomaly(AnomalyOverCapacity, a.Address, a.ProductCode).Msg("⚠️  Address over capacity, newest row dropped")
			continue
		}
		snap.add(a)
	}
	return snap
}

func (c *Cache) anomaly(kind, addr, product string) *zerolog.Event {
	c.metrics.IncAnomaly(kind)
	ev := c.log.Warn().Str("anomaly", kind)
	if addr != "" {
		ev = ev.Str("address", addr)
	}
	if product != "" {
		ev = ev.Str("product", product)
	}
	return ev
}

// LoadedAt is the time of the last successful Load; zero before the first.
func (c *Cache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.loadedAt
}

// Loaded reports whether a Load has ever succeeded.
func (c *Cache) Loaded() bool {
	return !c.LoadedAt().IsZero()
}

// Address returns the metadata of code.
func (c *Cache) Address(code string) (models.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.snap.addresses[key(code)]
	return a, ok
}

// ProductsAt returns the occupants of addr, oldest first. Never nil.
func (c *Cache) ProductsAt(addr string) []models.Allocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyList(c.snap.allocations[key(addr)])
}

// Holds reports whether product occupies addr.
func (c *Cache) Holds(addr, product string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.holds(key(addr), product)
}

// AllAddressesOf lists every address holding product, ascending.
func (c *Cache) AllAddressesOf(product string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.addressesOf(product)
}

// AllocationsOf returns every allocation of product, by address.
func (c *Cache) AllocationsOf(product string) []models.Allocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Allocation
	for _, addr := range c.snap.addressesOf(product) {
		for _, a := range c.snap.allocations[addr] {
			if a.ProductCode == product {
				out = append(out, a)
			}
		}
	}
	return out
}

// LegacyAddressOf returns the address the single-address index would hold
// for product.
func (c *Cache) LegacyAddressOf(product string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.legacyAddressOf(product)
}

// Occupancy is the number of products at addr.
func (c *Cache) Occupancy(addr string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snap.allocations[key(addr)])
}

// IsFull reports whether addr has reached capacity.
func (c *Cache) IsFull(addr string) bool {
	return c.Occupancy(addr) >= c.capacity
}

// Available lists active addresses with at least one free slot, by code.
func (c *Cache) Available() []Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Slot
	for code, a := range c.snap.addresses {
		if !a.Active || len(c.snap.allocations[code]) >= c.capacity {
			continue
		}
		out = append(out, Slot{Address: a, Allocations: copyList(c.snap.allocations[code])})
	}
	sortSlots(out)
	return out
}

// Search matches text, case-insensitively, against address codes and
// descriptions and against occupant product codes, descriptions, barcodes
// and lots. Empty text matches every address.
func (c *Cache) Search(text string) []Slot {
	needle := strings.ToLower(strings.TrimSpace(text))

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Slot
	for code, a := range c.snap.addresses {
		list := c.snap.allocations[code]
		if needle == "" || slotMatches(needle, a, list) {
			out = append(out, Slot{Address: a, Allocations: copyList(list)})
		}
	}
	sortSlots(out)
	return out
}

func slotMatches(needle string, a models.Address, list []models.Allocation) bool {
	if contains(a.Code, needle) || contains(a.Description, needle) {
		return true
	}
	for _, al := range list {
		if contains(al.ProductCode, needle) || contains(al.ProductDescription, needle) ||
			contains(al.Barcode, needle) || contains(al.Lot, needle) {
			return true
		}
	}
	return false
}

func contains(s, lowerNeedle string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), lowerNeedle)
}

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool { return slots[i].Address.Code < slots[j].Address.Code })
}

// Stats reports snapshot sizes.
func (c *Cache) Stats() (addresses, allocations int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.size()
}
