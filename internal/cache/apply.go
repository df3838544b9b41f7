package cache

import (
	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
)

// ApplyLocal applies m to the in-memory snapshot only. It enforces the same
// occupancy rules as the remote procedures; a refused mutation leaves the
// snapshot unchanged.
func (c *Cache) ApplyLocal(m models.OfflineMutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.apply(c.snap, m); err != nil {
		return err
	}
	nAddr, nAlloc := c.snap.size()
	c.metrics.SetSnapshotSize(nAddr, nAlloc)
	return nil
}

// replayPending applies the queued mutations to s, which is not yet
// published. A mutation the remote state no longer admits is skipped and
// reported; it stays queued and the drain decides its fate.
func (c *Cache) replayPending(s *snapshot) int {
	if c.pending == nil {
		return 0
	}
	n := 0
	for _, m := range c.pending.Pending() {
		if err := c.apply(s, m); err != nil {
			c.anomaly(AnomalyPendingRefused, key(m.Payload.Address), m.Payload.ProductCode).
				Err(err).
				Str("mutation", m.ID).
				Msg("⚠️  Queued mutation does not fit reloaded state")
			continue
		}
		n++
	}
	return n
}

func (c *Cache) apply(s *snapshot, m models.OfflineMutation) error {
	p := m.Payload
	addr := key(p.Address)

	switch m.Operation {
	case models.OpAllocate, models.OpAddAdditional:
		if s.holds(addr, p.ProductCode) {
			return apperr.New(apperr.DuplicateAllocation, "product %s already at %s", p.ProductCode, addr)
		}
		if len(s.allocations[addr]) >= c.capacity {
			return apperr.New(apperr.CapacityExceeded, "address %s is full", addr)
		}
		s.add(m.Allocation(addr))

	case models.OpTransfer:
		dest := key(p.DestinationAddress)
		if !s.holds(addr, p.ProductCode) {
			return apperr.New(apperr.NotAllocated, "product %s is not at %s", p.ProductCode, addr)
		}
		if s.holds(dest, p.ProductCode) {
			return apperr.New(apperr.DuplicateAllocation, "product %s already at %s", p.ProductCode, dest)
		}
		if len(s.allocations[dest]) >= c.capacity {
			return apperr.New(apperr.CapacityExceeded, "address %s is full", dest)
		}
		moved, _ := s.remove(addr, p.ProductCode)
		moved.Address = dest
		if !p.At.IsZero() {
			moved.AllocatedAt = p.At
		}
		if p.User != "" {
			moved.User = p.User
		}
		s.add(moved)

	case models.OpDeallocate:
		if _, ok := s.remove(addr, p.ProductCode); !ok {
			return apperr.New(apperr.NotAllocated, "product %s is not at %s", p.ProductCode, addr)
		}

	case models.OpRegisterAddress:
		if _, ok := s.addresses[addr]; ok {
			return apperr.New(apperr.AddressExists, "address %s already exists", addr)
		}
		s.addresses[addr] = models.Address{
			Code:        addr,
			Description: p.AddressDescription,
			Active:      true,
			FacilityID:  c.facilityID,
		}

	default:
		return apperr.New(apperr.InvalidFormat, "unknown operation %q", m.Operation)
	}
	return nil
}

// FoldResult lists the addresses a live fold changed for one product.
type FoldResult struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// Changed reports whether the fold touched the snapshot.
func (r FoldResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// FoldLive merges an authoritative view of product into the snapshot.
// Allocations the remote reports are added or refreshed; ones it no longer
// reports are removed. Addresses in keep are left as they are, which is how
// mutations still waiting in the offline queue survive the fold.
func (c *Cache) FoldLive(product string, live []models.Allocation, keep map[string]bool) FoldResult {
	var res FoldResult

	seen := make(map[string]bool, len(live))
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap

	for _, a := range live {
		if a.ProductCode != product || !a.Active {
			continue
		}
		addr := key(a.Address)
		a.Address = addr
		seen[addr] = true
		if keep[addr] {
			continue
		}
		if s.holds(addr, product) {
			// refresh in place, keeping position
			for i, cur := range s.allocations[addr] {
				if cur.ProductCode == product {
					s.allocations[addr][i] = a
				}
			}
			continue
		}
		if len(s.allocations[addr]) >= c.capacity {
			res.Skipped = append(res.Skipped, addr)
			continue
		}
		s.add(a)
		res.Added = append(res.Added, addr)
	}

	for _, addr := range s.addressesOf(product) {
		if seen[addr] || keep[addr] {
			continue
		}
		s.remove(addr, product)
		res.Removed = append(res.Removed, addr)
	}

	for _, addr := range res.Skipped {
		c.anomaly(AnomalyOverCapacity, addr, product).Msg("⚠️  Live allocation does not fit cached address")
	}
	if res.Changed() {
		nAddr, nAlloc := s.size()
		c.metrics.SetSnapshotSize(nAddr, nAlloc)
		c.log.Info().
			Str("product", product).
			Strs("added", res.Added).
			Strs("removed", res.Removed).
			Msg("🔄 Folded live status into cache")
	}
	return res
}
