package memory

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

func (s *Server) CallProcedure(ctx context.Context, name string, params remote.Params) (remote.Result, error) {
	if err := s.enter(ctx, name); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Name: name, Params: maps.Clone(params), At: s.now()})

	if s.rejectNext > 0 {
		s.rejectNext--
		return nil, remote.Reject(apperr.Kind("rejected"), "%s: injected rejection", name)
	}

	facilityID := params.String("facility_id")
	f := s.facility(facilityID)
	now := params.Time("at", s.now())
	switch name {
	case remote.ProcAllocate, remote.ProcAddAdditional:
		return f.allocate(params, now)
	case remote.ProcTransfer:
		return f.transfer(params, now)
	case remote.ProcDeallocate:
		return f.deallocate(params)
	case remote.ProcRegisterAddress:
		return f.register(params, facilityID)
	}
	return nil, remote.Reject(apperr.Kind("unknown_procedure"), "unknown procedure %q", name)
}

func (f *facility) holds(addr, product string) bool {
	return slices.ContainsFunc(f.allocations[addr], func(a models.Allocation) bool {
		return a.ProductCode == product
	})
}

func (f *facility) addressesOf(product string) []string {
	var out []string
	for code, list := range f.allocations {
		for _, a := range list {
			if a.ProductCode == product {
				out = append(out, code)
				break
			}
		}
	}
	slices.Sort(out)
	return out
}

func (f *facility) usable(addr string) error {
	a, ok := f.addresses[addr]
	if !ok {
		return remote.Reject(apperr.AddressNotFound, "address %s does not exist", addr)
	}
	if !a.Active {
		return remote.Reject(apperr.AddressInactive, "address %s is inactive", addr)
	}
	return nil
}

func (f *facility) allocate(p remote.Params, now time.Time) (remote.Result, error) {
	addr, product := p.String("address"), p.String("product_code")
	if err := f.usable(addr); err != nil {
		return nil, err
	}
	if f.holds(addr, product) {
		return nil, remote.Reject(apperr.DuplicateAllocation, "product %s already at %s", product, addr)
	}
	if len(f.allocations[addr]) >= Capacity {
		return nil, remote.Reject(apperr.CapacityExceeded, "address %s is full", addr)
	}
	if !p.Bool("allow_multiple") {
		if existing := f.addressesOf(product); len(existing) > 0 {
			return nil, remote.Reject(apperr.AlreadyAllocated, "product %s already allocated at %s", product, existing[0])
		}
	}

	f.allocations[addr] = append(f.allocations[addr], models.Allocation{
		Address:            addr,
		ProductCode:        product,
		ProductDescription: p.String("product_description"),
		Validity:           models.Validity(p.String("validity")),
		User:               p.String("user"),
		AllocatedAt:        now,
		Active:             true,
		Barcode:            p.String("barcode"),
		Lot:                p.String("lot"),
	})
	if _, ok := f.legacyIndex[product]; !ok {
		f.legacyIndex[product] = addr
	}
	return remote.Result{"address": addr, "occupancy": len(f.allocations[addr])}, nil
}

func (f *facility) transfer(p remote.Params, now time.Time) (remote.Result, error) {
	src, dst, product := p.String("address"), p.String("destination_address"), p.String("product_code")
	if !f.holds(src, product) {
		return nil, remote.Reject(apperr.NotAllocated, "product %s is not at %s", product, src)
	}
	if err := f.usable(dst); err != nil {
		return nil, err
	}
	if f.holds(dst, product) {
		return nil, remote.Reject(apperr.DuplicateAllocation, "product %s already at %s", product, dst)
	}
	if len(f.allocations[dst]) >= Capacity {
		return nil, remote.Reject(apperr.CapacityExceeded, "address %s is full", dst)
	}

	moved := f.remove(src, product)
	moved.Address = dst
	moved.AllocatedAt = now
	if u := p.String("user"); u != "" {
		moved.User = u
	}
	f.allocations[dst] = append(f.allocations[dst], moved)
	if f.legacyIndex[product] == src {
		f.legacyIndex[product] = dst
	}
	return remote.Result{"address": dst}, nil
}

func (f *facility) deallocate(p remote.Params) (remote.Result, error) {
	addr, product := p.String("address"), p.String("product_code")
	if !f.holds(addr, product) {
		return nil, remote.Reject(apperr.NotAllocated, "product %s is not at %s", product, addr)
	}
	f.remove(addr, product)

	remaining := f.addressesOf(product)
	switch {
	case p.Bool("clear_legacy_index") || len(remaining) == 0:
		delete(f.legacyIndex, product)
	case f.legacyIndex[product] == addr:
		f.legacyIndex[product] = remaining[0]
	}
	return remote.Result{"address": addr, "remaining": len(remaining)}, nil
}

func (f *facility) register(p remote.Params, facilityID string) (remote.Result, error) {
	code, err := models.NormalizeAddressCode(p.String("address"))
	if err != nil {
		return nil, remote.Reject(apperr.InvalidFormat, "%v", err)
	}
	if _, ok := f.addresses[code]; ok {
		return nil, remote.Reject(apperr.AddressExists, "address %s already exists", code)
	}
	f.addresses[code] = models.Address{
		Code:        code,
		Description: p.String("description"),
		Active:      true,
		FacilityID:  facilityID,
	}
	return remote.Result{"address": code}, nil
}

// remove drops product from addr and returns the removed row.
func (f *facility) remove(addr, product string) models.Allocation {
	list := f.allocations[addr]
	for i, a := range list {
		if a.ProductCode == product {
			f.allocations[addr] = slices.Delete(slices.Clone(list), i, i+1)
			if len(f.allocations[addr]) == 0 {
				delete(f.allocations, addr)
			}
			return a
		}
	}
	return models.Allocation{}
}
