// Package memory is an in-process authoritative store with the same atomic
// procedure semantics as the real backends. Development mode runs against
// it, and tests drive it with injected failures and call recording.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

// Capacity is the server-side occupancy limit.
const Capacity = 2

// Call is one recorded procedure invocation.
type Call struct {
	Name   string
	Params remote.Params
	At     time.Time
}

type facility struct {
	addresses   map[string]models.Address
	allocations map[string][]models.Allocation
	legacyIndex map[string]string // product -> first address
	labels      map[string]models.LabelLogEntry
}

// Server implements remote.Store, remote.CounterStore and remote.LabelLogStore.
type Server struct {
	mu         sync.Mutex
	facilities map[string]*facility
	counters   map[string]*models.UsageCounter
	calls      []Call

	offline    bool
	failNext   int
	failErr    error
	rejectNext int
	latency    time.Duration
	legacyRows bool
	loc        *time.Location
	now        func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLocation sets the facility timezone used for legacy rows.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) { s.loc = loc }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLegacyRows makes loads return rows in the legacy column shape.
func WithLegacyRows() Option {
	return func(s *Server) { s.legacyRows = true }
}

// New returns an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		facilities: make(map[string]*facility),
		counters:   make(map[string]*models.UsageCounter),
		loc:        time.UTC,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) facility(id string) *facility {
	f, ok := s.facilities[id]
	if !ok {
		f = &facility{
			addresses:   make(map[string]models.Address),
			allocations: make(map[string][]models.Allocation),
			legacyIndex: make(map[string]string),
			labels:      make(map[string]models.LabelLogEntry),
		}
		s.facilities[id] = f
	}
	return f
}

// ============ FAILURE INJECTION ============

// SetOffline makes every call fail with a RemoteFailure until cleared.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext makes the next n calls fail with err (a RemoteFailure when nil).
func (s *Server) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// RejectNext makes the next n procedure calls fail with RemoteRejected.
func (s *Server) RejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = n
}

// SetLatency delays every call by d, honoring context cancellation.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// enter applies latency and injected failures. It returns with s.mu held on
// success.
func (s *Server) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return remote.Classify(ctx.Err(), op)
		}
	}
	if err := ctx.Err(); err != nil {
		return remote.Classify(err, op)
	}

	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return apperr.New(apperr.RemoteFailure, "%s: server unreachable", op)
	}
	if s.failNext > 0 {
		s.failNext--
		err := s.failErr
		s.mu.Unlock()
		if err == nil {
			return apperr.New(apperr.RemoteFailure, "%s: injected failure", op)
		}
		return remote.Classify(err, op)
	}
	return nil
}

// ============ INSPECTION ============

// Calls returns the recorded procedure calls in order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount counts recorded calls to name, or all calls when name is empty.
func (s *Server) CallCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if name == "" || c.Name == name {
			n++
		}
	}
	return n
}

// ResetCalls clears the call record.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// AllocationsAt returns the server's allocations at addr.
func (s *Server) AllocationsAt(facilityID, addr string) []models.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.facility(facilityID).allocations[addr])
}

// LegacyAddress returns the single-address index entry for product.
func (s *Server) LegacyAddress(facilityID, product string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.facility(facilityID).legacyIndex[product]
	return addr, ok
}

// ============ SEEDING ============

// SeedAddress inserts or replaces an address.
func (s *Server) SeedAddress(facilityID string, addr models.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr.FacilityID = facilityID
	s.facility(facilityID).addresses[addr.Code] = addr
}

// SeedAllocation appends an allocation without any rule checks, which lets
// tests reproduce rows that other clients wrote.
func (s *Server) SeedAllocation(facilityID string, a models.Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.facility(facilityID)
	a.Active = true
	f.allocations[a.Address] = append(f.allocations[a.Address], a)
	if _, ok := f.legacyIndex[a.ProductCode]; !ok {
		f.legacyIndex[a.ProductCode] = a.Address
	}
}

// RemoveAllocation deletes a row without a procedure call, as another
// client would.
func (s *Server) RemoveAllocation(facilityID, addr, product string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facility(facilityID).remove(addr, product)
}

// ============ remote.Store ============

func (s *Server) LoadAddresses(ctx context.Context, facilityID string, page, pageSize int) ([]models.Address, error) {
	if err := s.enter(ctx, "load addresses"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	f := s.facility(facilityID)
	codes := slices.Sorted(maps.Keys(f.addresses))
	out := make([]models.Address, 0, pageSize)
	for _, code := range paginate(codes, page, pageSize) {
		out = append(out, f.addresses[code])
	}
	return out, nil
}

func (s *Server) LoadAllocations(ctx context.Context, facilityID string, page, pageSize int) ([]remote.AllocationRow, error) {
	if err := s.enter(ctx, "load allocations"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	f := s.facility(facilityID)
	var all []models.Allocation
	for _, code := range slices.Sorted(maps.Keys(f.allocations)) {
		all = append(all, f.allocations[code]...)
	}
	rows := make([]remote.AllocationRow, 0, pageSize)
	for _, a := range paginate(all, page, pageSize) {
		rows = append(rows, s.row(a))
	}
	return rows, nil
}

func (s *Server) QueryLiveStatus(ctx context.Context, productCode, facilityID string) ([]remote.AllocationRow, error) {
	if err := s.enter(ctx, "live status"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	f := s.facility(facilityID)
	var rows []remote.AllocationRow
	for _, code := range slices.Sorted(maps.Keys(f.allocations)) {
		for _, a := range f.allocations[code] {
			if a.ProductCode == productCode {
				rows = append(rows, s.row(a))
			}
		}
	}
	return rows, nil
}

func (s *Server) Ping(ctx context.Context) error {
	if err := s.enter(ctx, "ping"); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) row(a models.Allocation) remote.AllocationRow {
	if s.legacyRows {
		return remote.LegacyRowOf(a, s.loc)
	}
	return remote.RowOf(a)
}

func paginate[T any](items []T, page, pageSize int) []T {
	if pageSize <= 0 || page < 0 {
		return nil
	}
	start := page * pageSize
	if start >= len(items) {
		return nil
	}
	end := min(start+pageSize, len(items))
	return items[start:end]
}

// ============ remote.CounterStore ============

func (s *Server) FetchCounter(ctx context.Context, key string) (*models.UsageCounter, error) {
	if err := s.enter(ctx, "fetch counter"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.counters[key].Clone(), nil
}

func (s *Server) StoreCounter(ctx context.Context, counter *models.UsageCounter) error {
	if err := s.enter(ctx, "store counter"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.counters[counter.Key] = counter.Clone()
	return nil
}

// SeedCounter sets a counter directly.
func (s *Server) SeedCounter(counter *models.UsageCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter.Key] = counter.Clone()
}

// ============ remote.LabelLogStore ============

func (s *Server) FetchLabelEntries(ctx context.Context, facilityID string) ([]models.LabelLogEntry, error) {
	if err := s.enter(ctx, "fetch labels"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	f := s.facility(facilityID)
	out := make([]models.LabelLogEntry, 0, len(f.labels))
	for _, e := range f.labels {
		out = append(out, *e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Server) StoreLabelEntry(ctx context.Context, facilityID string, entry *models.LabelLogEntry) error {
	if err := s.enter(ctx, "store label"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.facility(facilityID).labels[entry.ID] = *entry.Clone()
	return nil
}
