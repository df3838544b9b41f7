package cache

import (
	"sort"
	"strings"
	"time"

	"github.com/xelth-com/eckaddr/internal/models"
)

// snapshot is one facility's view. It is only touched under Cache.mu.
type snapshot struct {
	addresses   map[string]models.Address
	allocations map[string][]models.Allocation
	byProduct   map[string]map[string]struct{}
	loadedAt    time.Time
}

func newSnapshot() *snapshot {
	return &snapshot{
		addresses:   make(map[string]models.Address),
		allocations: make(map[string][]models.Allocation),
		byProduct:   make(map[string]map[string]struct{}),
	}
}

// key canonicalizes lookups; codes are stored upper case.
func key(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *snapshot) holds(addr, product string) bool {
	for _, a := range s.allocations[addr] {
		if a.ProductCode == product {
			return true
		}
	}
	return false
}

func (s *snapshot) add(a models.Allocation) {
	s.allocations[a.Address] = append(s.allocations[a.Address], a)
	set, ok := s.byProduct[a.ProductCode]
	if !ok {
		set = make(map[string]struct{})
		s.byProduct[a.ProductCode] = set
	}
	set[a.Address] = struct{}{}
}

// remove drops product from addr and returns the removed allocation.
func (s *snapshot) remove(addr, product string) (models.Allocation, bool) {
	list := s.allocations[addr]
	for i, a := range list {
		if a.ProductCode != product {
			continue
		}
		rest := make([]models.Allocation, 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(s.allocations, addr)
		} else {
			s.allocations[addr] = rest
		}
		if set := s.byProduct[product]; set != nil {
			delete(set, addr)
			if len(set) == 0 {
				delete(s.byProduct, product)
			}
		}
		return a, true
	}
	return models.Allocation{}, false
}

func (s *snapshot) addressesOf(product string) []string {
	set := s.byProduct[product]
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// legacyAddressOf mirrors the single-address index older clients keep: the
// address the product has held longest.
func (s *snapshot) legacyAddressOf(product string) (string, bool) {
	var best models.Allocation
	found := false
	for _, addr := range s.addressesOf(product) {
		for _, a := range s.allocations[addr] {
			if a.ProductCode != product {
				continue
			}
			if !found || a.AllocatedAt.Before(best.AllocatedAt) {
				best, found = a, true
			}
		}
	}
	return best.Address, found
}

func (s *snapshot) size() (addresses, allocations int) {
	for _, list := range s.allocations {
		allocations += len(list)
	}
	return len(s.addresses), allocations
}

func copyList(list []models.Allocation) []models.Allocation {
	if len(list) == 0 {
		return []models.Allocation{}
	}
	out := make([]models.Allocation, len(list))
	copy(out, list)
	return out
}

func sortByTime(list []models.Allocation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].AllocatedAt.Before(list[j].AllocatedAt)
	})
}
