package sync

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
)

// Difference is one field where the two sides disagree
type Difference struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`
}

// ConflictCase is the audit record of one resolved conflict
type ConflictCase struct {
	ID                  string                     `json:"id"`
	Domain              ConflictDomain             `json:"domain"`
	Key                 string                     `json:"key"`
	Local               any                        `json:"local"`
	Remote              any                        `json:"remote"`
	DetectedDifferences []Difference               `json:"detected_differences"`
	ResolutionStrategy  ConflictResolutionStrategy `json:"resolution_strategy"`
	ResolvedValue       any                        `json:"resolved_value"`
	Actions             []string                   `json:"actions"`
	Timestamp           time.Time                  `json:"timestamp"`
}

// ConflictResolver merges diverging local and remote versions of the same
// record. It does no I/O; callers write the resolved value back.
type ConflictResolver struct {
	audit   *AuditLog
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewConflictResolver creates a new conflict resolver
func NewConflictResolver(audit *AuditLog, logger zerolog.Logger, m *metrics.Metrics) *ConflictResolver {
	return &ConflictResolver{
		audit:   audit,
		log:     logger.With().Str("component", "conflicts").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Audit returns the resolver's audit log.
func (cr *ConflictResolver) Audit() *AuditLog { return cr.audit }

// DetectCounterDifferences compares totals and every category present on
// either side. Absence on either side is not a conflict.
func DetectCounterDifferences(local, remote *models.UsageCounter) []Difference {
	if local == nil || remote == nil {
		return nil
	}
	var diffs []Difference
	if local.Total != remote.Total {
		diffs = append(diffs, Difference{Field: "total", Local: local.Total, Remote: remote.Total})
	}
	for _, cat := range unionKeys(local.Categories, remote.Categories) {
		l, r := local.Categories[cat], remote.Categories[cat]
		if l != r {
			diffs = append(diffs, Difference{Field: "categories." + cat, Local: l, Remote: r})
		}
	}
	return diffs
}

// DetectRecordDifferences compares the timestamp and payload fields of two
// label log entries.
func DetectRecordDifferences(local, remote *models.LabelLogEntry) []Difference {
	if local == nil || remote == nil {
		return nil
	}
	var diffs []Difference
	add := func(field string, l, r any) {
		if !reflect.DeepEqual(l, r) {
			diffs = append(diffs, Difference{Field: field, Local: l, Remote: r})
		}
	}
	if !local.PrintedAt.Equal(remote.PrintedAt) {
		diffs = append(diffs, Difference{Field: "printed_at", Local: local.PrintedAt, Remote: remote.PrintedAt})
	}
	add("address_code", local.AddressCode, remote.AddressCode)
	add("product_code", local.ProductCode, remote.ProductCode)
	add("copies", local.Copies, remote.Copies)
	add("user", local.User, remote.User)
	for _, k := range unionKeys(local.Metadata, remote.Metadata) {
		lv, lok := local.Metadata[k]
		rv, rok := remote.Metadata[k]
		if lok != rok || lv != rv {
			diffs = append(diffs, Difference{Field: "metadata." + k, Local: lv, Remote: rv})
		}
	}
	return diffs
}

// ResolveCounter merges two counter versions. It returns the value to keep
// and the conflict case, which is nil when there was nothing to resolve.
// With one side missing the other is returned as is.
func (cr *ConflictResolver) ResolveCounter(key string, local, remote *models.UsageCounter) (*models.UsageCounter, *ConflictCase) {
	switch {
	case local == nil && remote == nil:
		return nil, nil
	case local == nil:
		return remote.Clone(), nil
	case remote == nil:
		return local.Clone(), nil
	}

	diffs := DetectCounterDifferences(local, remote)
	if len(diffs) == 0 {
		merged := local.Clone()
		if remote.Version > merged.Version {
			merged.Version = remote.Version
		}
		if remote.UpdatedAt.After(merged.UpdatedAt) {
			merged.UpdatedAt = remote.UpdatedAt
		}
		return merged, nil
	}

	merged := &models.UsageCounter{
		Key:        key,
		Total:      max(local.Total, remote.Total),
		Categories: make(map[string]int64),
		Version:    max(local.Version, remote.Version) + 1,
		UpdatedAt:  later(local.UpdatedAt, remote.UpdatedAt),
	}
	for _, cat := range unionKeys(local.Categories, remote.Categories) {
		merged.Categories[cat] = max(local.Categories[cat], remote.Categories[cat])
	}
	actions := []string{
		fmt.Sprintf("total=max(%d,%d)=%d", local.Total, remote.Total, merged.Total),
		fmt.Sprintf("version=max(%d,%d)+1=%d", local.Version, remote.Version, merged.Version),
	}

	c := cr.record(DomainCounter, key, local.Clone(), remote.Clone(), diffs, merged.Clone(), actions)
	return merged, c
}

// ResolveRecord merges two label log entries: the later PrintedAt wins and
// metadata from both sides is merged, the winner's keys taking precedence.
// Ties go to the remote side.
func (cr *ConflictResolver) ResolveRecord(key string, local, remote *models.LabelLogEntry) (*models.LabelLogEntry, *ConflictCase) {
	switch {
	case local == nil && remote == nil:
		return nil, nil
	case local == nil:
		return remote.Clone(), nil
	case remote == nil:
		return local.Clone(), nil
	}

	diffs := DetectRecordDifferences(local, remote)
	if len(diffs) == 0 {
		return remote.Clone(), nil
	}

	winner, loser, side := remote, local, "remote"
	if local.PrintedAt.After(remote.PrintedAt) {
		winner, loser, side = local, remote, "local"
	}

	merged := winner.Clone()
	merged.Metadata = make(map[string]string, len(winner.Metadata)+len(loser.Metadata))
	maps.Copy(merged.Metadata, loser.Metadata)
	maps.Copy(merged.Metadata, winner.Metadata)

	actions := []string{fmt.Sprintf("%s version wins (printed_at %s)", side, winner.PrintedAt.Format(time.RFC3339))}
	for k := range loser.Metadata {
		if _, ok := winner.Metadata[k]; !ok {
			actions = append(actions, "kept metadata."+k+" from other side")
		}
	}
	slices.Sort(actions[1:])

	c := cr.record(DomainRecord, key, local.Clone(), remote.Clone(), diffs, merged.Clone(), actions)
	return merged, c
}

func (cr *ConflictResolver) record(domain ConflictDomain, key string, local, remote any, diffs []Difference, resolved any, actions []string) *ConflictCase {
	c := &ConflictCase{
		ID:                  uuid.NewString(),
		Domain:              domain,
		Key:                 key,
		Local:               local,
		Remote:              remote,
		DetectedDifferences: diffs,
		ResolutionStrategy:  StrategyFor(domain),
		ResolvedValue:       resolved,
		Actions:             actions,
		Timestamp:           cr.now(),
	}
	if cr.audit != nil {
		cr.audit.Append(c)
	}
	cr.metrics.IncConflict(string(domain))
	cr.log.Info().
		Str("domain", string(domain)).
		Str("key", key).
		Int("differences", len(diffs)).
		Strs("actions", actions).
		Msg("⚖️  Conflict resolved")
	return c
}

func unionKeys[V any](a, b map[string]V) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// SerializeConflict converts a conflict to JSON
func SerializeConflict(c *ConflictCase) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
