package labels

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/backstop"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
	eksync "github.com/xelth-com/eckaddr/internal/sync"
)

// CounterKey is the usage counter bumped by every printed label.
const CounterKey = "labels"

// Incrementer is the part of the usage service the log needs.
type Incrementer interface {
	Increment(key, category string, n int64) (*models.UsageCounter, error)
}

// LogOptions wires a Log.
type LogOptions struct {
	FacilityID string
	Counters   Incrementer
	Logger     zerolog.Logger
	Clock      func() time.Time
}

// Log records print jobs locally and reconciles them with the remote.
type Log struct {
	mu      sync.Mutex
	entries map[string]*models.LabelLogEntry

	store      backstop.Store
	remote     remote.LabelLogStore
	resolver   *eksync.ConflictResolver
	counters   Incrementer
	facilityID string
	log        zerolog.Logger
	now        func() time.Time
}

// NewLog restores persisted entries from store. remote may be nil.
func NewLog(store backstop.Store, rs remote.LabelLogStore, resolver *eksync.ConflictResolver, opts LogOptions) *Log {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if resolver == nil {
		resolver = eksync.NewConflictResolver(nil, opts.Logger, nil)
	}
	l := &Log{
		entries:    make(map[string]*models.LabelLogEntry),
		store:      store,
		remote:     rs,
		resolver:   resolver,
		counters:   opts.Counters,
		facilityID: opts.FacilityID,
		log:        opts.Logger.With().Str("component", "labels").Logger(),
		now:        opts.Clock,
	}
	if store != nil {
		if _, err := backstop.GetJSON(store, backstop.KeyLabels, &l.entries); err != nil {
			l.log.Warn().Err(err).Msg("Discarding unreadable label log")
			l.entries = make(map[string]*models.LabelLogEntry)
		}
	}
	return l
}

// Job describes one print request.
type Job struct {
	Addresses []string
	Product   string
	Copies    int
	User      string
	Metadata  map[string]string
}

// Record adds one entry per address of job and bumps the labels counter by
// zone.
func (l *Log) Record(job Job) ([]models.LabelLogEntry, error) {
	if len(job.Addresses) == 0 {
		return nil, apperr.New(apperr.InvalidFormat, "print job has no addresses")
	}
	if job.Copies <= 0 {
		job.Copies = 1
	}
	jobID := uuid.NewString()
	at := l.now()

	out := make([]models.LabelLogEntry, 0, len(job.Addresses))
	l.mu.Lock()
	for _, addr := range job.Addresses {
		meta := maps.Clone(job.Metadata)
		if meta == nil {
			meta = map[string]string{}
		}
		meta["job"] = jobID
		e := &models.LabelLogEntry{
			ID:          uuid.NewString(),
			AddressCode: addr,
			ProductCode: job.Product,
			Copies:      job.Copies,
			User:        job.User,
			PrintedAt:   at,
			Metadata:    meta,
		}
		l.entries[e.ID] = e
		out = append(out, *e.Clone())
	}
	l.persistLocked()
	l.mu.Unlock()

	if l.counters != nil {
		for _, e := range out {
			zone := "unknown"
			if code, err := models.ParseAddressCode(e.AddressCode); err == nil {
				zone = code.Zone
			}
			if _, err := l.counters.Increment(CounterKey, zone, int64(e.Copies)); err != nil {
				l.log.Warn().Err(err).Msg("Label counter not incremented")
			}
		}
	}
	l.log.Info().Str("job", jobID).Int("labels", len(out)*job.Copies).Str("user", job.User).Msg("🏷️  Print job recorded")
	return out, nil
}

// Entries returns every known entry, oldest first.
func (l *Log) Entries() []models.LabelLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.LabelLogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e.Clone())
	}
	slices.SortFunc(out, func(a, b models.LabelLogEntry) int {
		if c := a.PrintedAt.Compare(b.PrintedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Sync pulls the remote entries, resolves every entry known to either side
// and writes back what the remote is missing or has older.
func (l *Log) Sync(ctx context.Context) error {
	if l.remote == nil {
		return nil
	}
	theirs, err := l.remote.FetchLabelEntries(ctx, l.facilityID)
	if err != nil {
		return remote.Classify(err, "fetch label log")
	}
	byID := make(map[string]*models.LabelLogEntry, len(theirs))
	for i := range theirs {
		byID[theirs[i].ID] = &theirs[i]
	}

	l.mu.Lock()
	mine := make(map[string]*models.LabelLogEntry, len(l.entries))
	for id, e := range l.entries {
		mine[id] = e.Clone()
	}
	l.mu.Unlock()

	ids := make(map[string]struct{}, len(byID)+len(mine))
	for id := range byID {
		ids[id] = struct{}{}
	}
	for id := range mine {
		ids[id] = struct{}{}
	}

	resolved := make(map[string]*models.LabelLogEntry, len(ids))
	pushed, conflicts := 0, 0
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		merged, c := l.resolver.ResolveRecord(id, mine[id], byID[id])
		if merged == nil {
			continue
		}
		if c != nil {
			conflicts++
		}
		if byID[id] == nil || c != nil {
			if err := l.remote.StoreLabelEntry(ctx, l.facilityID, merged); err != nil {
				return remote.Classify(err, "store label entry "+id)
			}
			pushed++
		}
		resolved[id] = merged
	}

	l.mu.Lock()
	for id, e := range resolved {
		l.entries[id] = e
	}
	l.persistLocked()
	l.mu.Unlock()

	l.log.Debug().Int("entries", len(resolved)).Int("pushed", pushed).Int("conflicts", conflicts).Msg("Label log synced")
	return nil
}

// persistLocked must be called with l.mu held.
func (l *Log) persistLocked() {
	if l.store == nil {
		return
	}
	if err := backstop.SetJSON(l.store, backstop.KeyLabels, l.entries); err != nil {
		l.log.Warn().Err(err).Msg("⚠️  Label log not persisted")
	}
}
