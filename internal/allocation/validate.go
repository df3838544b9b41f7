package allocation

import (
	"strings"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
)

// validate checks p against the cache and canonicalizes its codes. Nothing
// here touches the network.
func (e *Engine) validate(op models.Operation, p *models.MutationPayload) error {
	addr, err := models.NormalizeAddressCode(p.Address)
	if err != nil {
		return apperr.Wrap(apperr.InvalidFormat, err, "address")
	}
	p.Address = addr
	p.ProductCode = strings.TrimSpace(p.ProductCode)

	switch op {
	case models.OpAllocate, models.OpAddAdditional:
		if err := e.checkProduct(p); err != nil {
			return err
		}
		v, err := models.ParseValidity(string(p.Validity))
		if err != nil {
			return apperr.Wrap(apperr.InvalidFormat, err, "validity")
		}
		p.Validity = v
		if err := e.checkUsable(addr); err != nil {
			return err
		}
		if e.cache.Holds(addr, p.ProductCode) {
			return apperr.New(apperr.DuplicateAllocation, "product %s is already at %s", p.ProductCode, addr).
				With("address", addr)
		}
		if e.cache.Occupancy(addr) >= Capacity {
			return apperr.New(apperr.CapacityExceeded, "address %s holds %d products", addr, Capacity).
				With("address", addr)
		}
		if !p.AllowMultiple {
			if existing := e.cache.AllAddressesOf(p.ProductCode); len(existing) > 0 {
				return apperr.New(apperr.AlreadyAllocated, "product %s is already allocated at %s",
					p.ProductCode, strings.Join(existing, ", ")).
					With("addresses", existing)
			}
		}

	case models.OpTransfer:
		if err := e.checkProduct(p); err != nil {
			return err
		}
		dest, err := models.NormalizeAddressCode(p.DestinationAddress)
		if err != nil {
			return apperr.Wrap(apperr.InvalidFormat, err, "destination address")
		}
		p.DestinationAddress = dest
		if dest == addr {
			return apperr.New(apperr.InvalidFormat, "source and destination are both %s", addr)
		}
		if !e.cache.Holds(addr, p.ProductCode) {
			return apperr.New(apperr.NotAllocated, "product %s is not at %s", p.ProductCode, addr).
				With("address", addr)
		}
		if err := e.checkUsable(dest); err != nil {
			return err
		}
		if e.cache.Holds(dest, p.ProductCode) {
			return apperr.New(apperr.DuplicateAllocation, "product %s is already at %s", p.ProductCode, dest).
				With("address", dest)
		}
		if e.cache.Occupancy(dest) >= Capacity {
			return apperr.New(apperr.CapacityExceeded, "address %s holds %d products", dest, Capacity).
				With("address", dest)
		}

	case models.OpDeallocate:
		if err := e.checkProduct(p); err != nil {
			return err
		}
		if !e.cache.Holds(addr, p.ProductCode) {
			return apperr.New(apperr.NotAllocated, "product %s is not at %s", p.ProductCode, addr).
				With("address", addr)
		}
		p.ClearLegacyIndex = len(e.cache.AllAddressesOf(p.ProductCode)) == 1

	case models.OpRegisterAddress:
		if _, ok := e.cache.Address(addr); ok {
			return apperr.New(apperr.AddressExists, "address %s already exists", addr)
		}
		p.AddressDescription = strings.TrimSpace(p.AddressDescription)

	default:
		return apperr.New(apperr.InvalidFormat, "unknown operation %q", op)
	}
	return nil
}

func (e *Engine) checkProduct(p *models.MutationPayload) error {
	if p.ProductCode == "" {
		return apperr.New(apperr.InvalidFormat, "product code is required")
	}
	return nil
}

func (e *Engine) checkUsable(addr string) error {
	a, ok := e.cache.Address(addr)
	if !ok {
		return apperr.New(apperr.AddressNotFound, "address %s does not exist", addr).With("address", addr)
	}
	if !a.Active {
		return apperr.New(apperr.AddressInactive, "address %s is inactive", addr).With("address", addr)
	}
	return nil
}
