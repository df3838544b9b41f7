package allocation

import (
	"strings"
	"time"

	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/models"
)

// Status is the cache-fast answer to "where is this product".
type Status struct {
	ProductCode string              `json:"product_code"`
	Allocated   bool                `json:"allocated"`
	Addresses   []string            `json:"addresses"`
	Allocations []models.Allocation `json:"allocations"`
	PendingSync bool                `json:"pending_sync"`
	Offline     bool                `json:"offline"`
	CachedAt    time.Time           `json:"cached_at"`
}

// StatusOf answers from the cache without touching the network.
func (e *Engine) StatusOf(product string) Status {
	product = strings.TrimSpace(product)
	addrs := e.cache.AllAddressesOf(product)
	st := Status{
		ProductCode: product,
		Allocated:   len(addrs) > 0,
		Addresses:   addrs,
		Allocations: e.cache.AllocationsOf(product),
		Offline:     !e.online(),
		CachedAt:    e.cache.LoadedAt(),
	}
	if st.Allocations == nil {
		st.Allocations = []models.Allocation{}
	}
	if e.queue != nil {
		st.PendingSync = e.queue.HasPendingFor(product)
	}
	return st
}

// ListAvailableAddresses returns active addresses with free capacity.
func (e *Engine) ListAvailableAddresses() []cache.Slot {
	return e.cache.Available()
}

// Search filters addresses by code, description or occupant.
func (e *Engine) Search(text string) []cache.Slot {
	return e.cache.Search(text)
}
