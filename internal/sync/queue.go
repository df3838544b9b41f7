package sync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/backstop"
	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
)

// Queue is the ordered list of mutations waiting for replay. Every change
// is written through to the backstop; a failed write is reported to the
// caller but the in-memory list stays authoritative.
type Queue struct {
	mu      sync.RWMutex
	items   []models.OfflineMutation
	failed  []models.PermanentFailure
	store   backstop.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewQueue restores the queue and dead letters persisted in store.
func NewQueue(store backstop.Store, logger zerolog.Logger, m *metrics.Metrics) (*Queue, error) {
	q := &Queue{
		store:   store,
		log:     logger.With().Str("component", "queue").Logger(),
		metrics: m,
	}
	if store == nil {
		store = backstop.NewMemory(0)
		q.store = store
	}
	if _, err := backstop.GetJSON(store, backstop.KeyQueue, &q.items); err != nil {
		return nil, fmt.Errorf("restore offline queue: %w", err)
	}
	if _, err := backstop.GetJSON(store, backstop.KeyDeadLetter, &q.failed); err != nil {
		q.log.Warn().Err(err).Msg("Discarding unreadable dead letters")
		q.failed = nil
	}
	if len(q.items) > 0 {
		q.log.Info().Int("pending", len(q.items)).Msg("📦 Restored offline queue")
	}
	m.SetQueueDepth(len(q.items))
	return q, nil
}

// Enqueue appends m to the tail.
func (q *Queue) Enqueue(m models.OfflineMutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
	q.metrics.SetQueueDepth(len(q.items))
	return q.persistLocked()
}

// Pending returns a copy of the queued mutations in replay order.
func (q *Queue) Pending() []models.OfflineMutation {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.OfflineMutation, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued mutations.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Head returns the oldest queued mutation.
func (q *Queue) Head() (models.OfflineMutation, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.items) == 0 {
		return models.OfflineMutation{}, false
	}
	return q.items[0], true
}

// HasPendingFor reports whether any queued mutation touches product.
func (q *Queue) HasPendingFor(product string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, m := range q.items {
		if strings.EqualFold(m.Payload.ProductCode, product) {
			return true
		}
	}
	return false
}

// PendingAddressesFor returns every address a queued mutation of product
// reads or writes, uppercased.
func (q *Queue) PendingAddressesFor(product string) map[string]bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]bool)
	for _, m := range q.items {
		if !strings.EqualFold(m.Payload.ProductCode, product) {
			continue
		}
		if m.Payload.Address != "" {
			out[strings.ToUpper(m.Payload.Address)] = true
		}
		if m.Payload.DestinationAddress != "" {
			out[strings.ToUpper(m.Payload.DestinationAddress)] = true
		}
	}
	return out
}

// Failed returns the dead-letter list, oldest first.
func (q *Queue) Failed() []models.PermanentFailure {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.PermanentFailure, len(q.failed))
	copy(out, q.failed)
	return out
}

// ClearFailed empties the dead-letter list.
func (q *Queue) ClearFailed() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = nil
	return q.persistLocked()
}

// remove drops the mutation with id.
func (q *Queue) remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.items {
		if m.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.metrics.SetQueueDepth(len(q.items))
	return q.persistLocked()
}

// retry records a failed attempt and returns the new retry count.
func (q *Queue) retry(id string, cause error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].RetryCount++
			q.items[i].LastError = cause.Error()
			return q.items[i].RetryCount, q.persistLocked()
		}
	}
	return 0, nil
}

// bury moves the mutation into the dead-letter list.
func (q *Queue) bury(f models.PermanentFailure) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.items {
		if m.ID == f.Mutation.ID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.failed = append(q.failed, f)
	q.metrics.SetQueueDepth(len(q.items))
	return q.persistLocked()
}

// persistLocked writes both lists. Must be called with q.mu held.
func (q *Queue) persistLocked() error {
	items := q.items
	if items == nil {
		items = []models.OfflineMutation{}
	}
	if err := backstop.SetJSON(q.store, backstop.KeyQueue, items); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}
	if len(q.failed) == 0 {
		if err := q.store.Remove(backstop.KeyDeadLetter); err != nil {
			return fmt.Errorf("persist dead letters: %w", err)
		}
		return nil
	}
	if err := backstop.SetJSON(q.store, backstop.KeyDeadLetter, q.failed); err != nil {
		return fmt.Errorf("persist dead letters: %w", err)
	}
	return nil
}
