// Package usage keeps the shared usage counters, such as labels printed per
// zone. Increments are local and durable; Sync merges them with the remote
// copy that other clients increment too.
package usage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/backstop"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
	eksync "github.com/xelth-com/eckaddr/internal/sync"
)

// Options wires a Service.
type Options struct {
	// Keys are synced by SyncAll even before the first local increment.
	Keys   []string
	Logger zerolog.Logger
	Clock  func() time.Time
}

// Service owns the local copy of every counter.
type Service struct {
	mu       sync.Mutex
	counters map[string]*models.UsageCounter

	store    backstop.Store
	remote   remote.CounterStore
	resolver *eksync.ConflictResolver
	keys     []string
	log      zerolog.Logger
	now      func() time.Time
}

// New restores persisted counters from store. remote may be nil, in which
// case counters are local only.
func New(store backstop.Store, rc remote.CounterStore, resolver *eksync.ConflictResolver, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if resolver == nil {
		resolver = eksync.NewConflictResolver(nil, opts.Logger, nil)
	}
	s := &Service{
		counters: make(map[string]*models.UsageCounter),
		store:    store,
		remote:   rc,
		resolver: resolver,
		keys:     opts.Keys,
		log:      opts.Logger.With().Str("component", "usage").Logger(),
		now:      opts.Clock,
	}
	if store != nil {
		if _, err := backstop.GetJSON(store, backstop.KeyCounters, &s.counters); err != nil {
			s.log.Warn().Err(err).Msg("Discarding unreadable usage counters")
			s.counters = make(map[string]*models.UsageCounter)
		}
	}
	return s
}

// Increment adds n to the counter at key and, when category is set, to that
// category. Every increment bumps the version.
func (s *Service) Increment(key, category string, n int64) (*models.UsageCounter, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperr.New(apperr.InvalidFormat, "counter key is required")
	}
	if n <= 0 {
		return nil, apperr.New(apperr.InvalidFormat, "counter increment must be positive, got %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		c = &models.UsageCounter{Key: key, Categories: map[string]int64{}}
		s.counters[key] = c
	}
	c.Total += n
	if category != "" {
		if c.Categories == nil {
			c.Categories = map[string]int64{}
		}
		c.Categories[category] += n
	}
	c.Version++
	c.UpdatedAt = s.now()
	s.persistLocked()
	return c.Clone(), nil
}

// Get returns a copy of the local counter, or nil.
func (s *Service) Get(key string) *models.UsageCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key].Clone()
}

// Keys lists configured and locally known counter keys.
func (s *Service) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(s.keys)+len(s.counters))
	for _, k := range s.keys {
		set[k] = struct{}{}
	}
	for k := range s.counters {
		set[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// Sync fetches the remote counter, merges it with the local one and writes
// the result to both sides. The conflict case is nil when the two agreed.
func (s *Service) Sync(ctx context.Context, key string) (*models.UsageCounter, *eksync.ConflictCase, error) {
	if s.remote == nil {
		return s.Get(key), nil, nil
	}
	theirs, err := s.remote.FetchCounter(ctx, key)
	if err != nil {
		return nil, nil, remote.Classify(err, "fetch counter "+key)
	}

	s.mu.Lock()
	mine := s.counters[key].Clone()
	s.mu.Unlock()

	merged, conflict := s.resolver.ResolveCounter(key, mine, theirs)
	if merged == nil {
		return nil, nil, nil
	}
	merged.Key = key

	if theirs == nil || conflict != nil || merged.Version != theirs.Version {
		if err := s.remote.StoreCounter(ctx, merged); err != nil {
			return nil, conflict, remote.Classify(err, "store counter "+key)
		}
	}

	s.mu.Lock()
	// keep increments that landed while the remote round trip was running
	base := mine
	if base == nil {
		base = &models.UsageCounter{}
	}
	if cur := s.counters[key]; cur != nil && cur.Version > base.Version {
		merged.Total += cur.Total - base.Total
		for cat, v := range cur.Categories {
			merged.Categories[cat] += v - base.Categories[cat]
		}
		merged.Version += cur.Version - base.Version
	}
	s.counters[key] = merged
	s.persistLocked()
	s.mu.Unlock()

	s.log.Debug().Str("key", key).Int64("total", merged.Total).Int64("version", merged.Version).Msg("Counter synced")
	return merged.Clone(), conflict, nil
}

// SyncAll syncs every key, continuing past failures.
func (s *Service) SyncAll(ctx context.Context) error {
	var errs []error
	for _, key := range s.Keys() {
		if _, _, err := s.Sync(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("counter %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// persistLocked must be called with s.mu held.
func (s *Service) persistLocked() {
	if s.store == nil {
		return
	}
	if err := backstop.SetJSON(s.store, backstop.KeyCounters, s.counters); err != nil {
		s.log.Warn().Err(err).Msg("⚠️  Usage counters not persisted")
	}
}
