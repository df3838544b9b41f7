package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

// DefaultMaxRetries is the retry ceiling when none is configured; a
// MaxRetries of zero or less selects it.
const DefaultMaxRetries = 5

// Reloader rebuilds the cache from the remote store.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Link is the drainer's view of the connection manager.
type Link interface {
	IsOnline() bool
	MarkOffline(reason string)
}

// DrainReport summarizes one replay pass.
type DrainReport struct {
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Replayed   int                       `json:"replayed"`
	Retried    int                       `json:"retried"`
	Permanent  []models.PermanentFailure `json:"permanent,omitempty"`
	Remaining  int                       `json:"remaining"`
	Reloaded   bool                      `json:"reloaded"`
	// StoppedBy is the transient error that ended the pass early.
	StoppedBy string `json:"stopped_by,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// DrainerOptions wires a Drainer.
type DrainerOptions struct {
	FacilityID  string
	MaxRetries  int
	Link        Link
	Reloader    Reloader
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
	OnPermanent func(models.PermanentFailure)
}

// Drainer replays the offline queue against the remote store, oldest
// first. Concurrent Drain calls share the pass already running.
type Drainer struct {
	queue       *Queue
	store       remote.Store
	facilityID  string
	maxRetries  int
	link        Link
	reloader    Reloader
	log         zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	onPermanent func(models.PermanentFailure)

	group singleflight.Group
}

// NewDrainer creates a drainer for q.
func NewDrainer(q *Queue, store remote.Store, opts DrainerOptions) *Drainer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Drainer{
		queue:       q,
		store:       store,
		facilityID:  opts.FacilityID,
		maxRetries:  opts.MaxRetries,
		link:        opts.Link,
		reloader:    opts.Reloader,
		log:         opts.Logger.With().Str("component", "drain").Logger(),
		metrics:     opts.Metrics,
		now:         opts.Clock,
		onPermanent: opts.OnPermanent,
	}
}

// Drain runs one replay pass, or joins the one in progress.
func (d *Drainer) Drain(ctx context.Context) (DrainReport, error) {
	v, err, shared := d.group.Do("drain", func() (any, error) {
		return d.drain(ctx)
	})
	if shared {
		d.log.Debug().Msg("Joined drain already in progress")
	}
	report, _ := v.(DrainReport)
	return report, err
}

func (d *Drainer) drain(ctx context.Context) (DrainReport, error) {
	report := DrainReport{StartedAt: d.now()}
	if d.queue.Len() == 0 {
		report.FinishedAt = d.now()
		return report, nil
	}
	if d.link != nil && !d.link.IsOnline() {
		report.Skipped = true
		report.Remaining = d.queue.Len()
		report.FinishedAt = d.now()
		d.log.Debug().Int("pending", report.Remaining).Msg("Drain skipped, remote offline")
		return report, nil
	}

	d.log.Info().Int("pending", d.queue.Len()).Msg("🔄 Replaying offline queue")

	for ctx.Err() == nil {
		m, ok := d.queue.Head()
		if !ok {
			break
		}

		_, err := remote.Invoke(ctx, d.store, d.facilityID, m.Operation, m.Payload)
		if err == nil {
			if perr := d.queue.remove(m.ID); perr != nil {
				d.log.Warn().Err(perr).Msg("⚠️  Queue not persisted after replay")
			}
			report.Replayed++
			d.metrics.IncReplay("ok")
			d.log.Debug().Str("mutation", m.ID).Str("operation", string(m.Operation)).Msg("Replayed mutation")
			continue
		}

		if apperr.IsTransient(err) {
			retries, perr := d.queue.retry(m.ID, err)
			if perr != nil {
				d.log.Warn().Err(perr).Msg("⚠️  Retry count not persisted")
			}
			if retries > d.maxRetries {
				m.RetryCount = retries
				d.fail(&report, m, err, "retry ceiling exceeded")
			} else {
				report.Retried++
				d.metrics.IncReplay("retry")
			}
			report.StoppedBy = err.Error()
			if d.link != nil {
				d.link.MarkOffline(err.Error())
			}
			d.log.Warn().Err(err).Str("mutation", m.ID).Int("retry_count", retries).Msg("⚠️  Replay failed, stopping pass")
			break
		}

		reason := "rejected by remote store"
		if !errors.Is(err, apperr.RemoteRejected) {
			reason = "not replayable"
		}
		d.fail(&report, m, err, reason)
	}

	if report.Replayed > 0 || len(report.Permanent) > 0 {
		if d.reloader != nil {
			if err := d.reloader.Reload(ctx); err != nil {
				report.Remaining = d.queue.Len()
				report.FinishedAt = d.now()
				d.log.Error().Err(err).Msg("❌ Reload after drain failed")
				return report, err
			}
			report.Reloaded = true
		}
	}

	report.Remaining = d.queue.Len()
	report.FinishedAt = d.now()
	d.log.Info().
		Int("replayed", report.Replayed).
		Int("retried", report.Retried).
		Int("permanent", len(report.Permanent)).
		Int("remaining", report.Remaining).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("✅ Drain pass finished")
	return report, ctx.Err()
}

func (d *Drainer) fail(report *DrainReport, m models.OfflineMutation, cause error, reason string) {
	m.LastError = cause.Error()
	f := models.PermanentFailure{
		Mutation: m,
		Reason:   reason + ": " + cause.Error(),
		FailedAt: d.now(),
	}
	if err := d.queue.bury(f); err != nil {
		d.log.Warn().Err(err).Msg("⚠️  Dead letter not persisted")
	}
	report.Permanent = append(report.Permanent, f)
	d.metrics.IncReplay("permanent")
	d.metrics.IncPermanentFailure()

	perm := apperr.Wrap(apperr.PermanentFailure, cause, "%s %s", m.Operation, m.ID).With("mutation_id", m.ID)
	d.log.Error().
		Err(perm).
		Str("mutation", m.ID).
		Str("operation", string(m.Operation)).
		Str("address", m.Payload.Address).
		Str("product", m.Payload.ProductCode).
		Int("retry_count", m.RetryCount).
		Msg("❌ Mutation permanently failed")
	if d.onPermanent != nil {
		d.onPermanent(f)
	}
}
