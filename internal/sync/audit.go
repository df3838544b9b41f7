package sync

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/backstop"
)

// DefaultAuditCap bounds the audit log when no cap is configured.
const DefaultAuditCap = 200

// AuditLog keeps the most recent conflict cases, oldest evicted first, and
// mirrors them to the backstop on every append.
type AuditLog struct {
	mu      sync.RWMutex
	entries []*ConflictCase
	cap     int
	store   backstop.Store
	log     zerolog.Logger
}

// NewAuditLog restores any persisted entries from store, which may be nil.
func NewAuditLog(store backstop.Store, capacity int, logger zerolog.Logger) *AuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCap
	}
	a := &AuditLog{cap: capacity, store: store, log: logger}
	if store != nil {
		var saved []*ConflictCase
		if _, err := backstop.GetJSON(store, backstop.KeyAudit, &saved); err != nil {
			logger.Warn().Err(err).Msg("Discarding unreadable conflict audit log")
		}
		a.entries = trimRing(saved, capacity)
	}
	return a
}

// Append adds c, evicting the oldest entries past the cap.
func (a *AuditLog) Append(c *ConflictCase) {
	a.mu.Lock()
	a.entries = trimRing(append(a.entries, c), a.cap)
	snapshot := make([]*ConflictCase, len(a.entries))
	copy(snapshot, a.entries)
	a.mu.Unlock()

	if a.store == nil {
		return
	}
	if err := backstop.SetJSON(a.store, backstop.KeyAudit, snapshot); err != nil {
		a.log.Warn().Err(err).Msg("⚠️  Conflict audit log not persisted")
	}
}

// Entries returns the retained cases, oldest first.
func (a *AuditLog) Entries() []*ConflictCase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*ConflictCase, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of retained cases.
func (a *AuditLog) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

func trimRing[T any](list []T, capacity int) []T {
	if len(list) <= capacity {
		return list
	}
	out := make([]T, capacity)
	copy(out, list[len(list)-capacity:])
	return out
}
