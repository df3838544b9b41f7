package labels

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/backstop"
	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote/memory"
	eksync "github.com/xelth-com/eckaddr/internal/sync"
)

const facility = "CD01"

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type zoneCounter struct {
	byZone map[string]int64
}

func (z *zoneCounter) Increment(key, category string, n int64) (*models.UsageCounter, error) {
	if z.byZone == nil {
		z.byZone = map[string]int64{}
	}
	z.byZone[key+"/"+category] += n
	return &models.UsageCounter{Key: key}, nil
}

func TestAddressLabelsRendersPDF(t *testing.T) {
	slots := []cache.Slot{
		{Address: models.Address{Code: "PF01.001.001.A0T", Description: "Fraldas"}},
		{Address: models.Address{Code: "PF01.001.002.A0T"}, Allocations: []models.Allocation{{ProductCode: "100005"}}},
	}
	pdf, err := Generator{}.AddressLabels(slots, Layout{Copies: 2})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))

	_, err = Generator{}.AddressLabels(nil, DefaultLayout())
	assert.Error(t, err)

	_, err = Generator{}.AddressLabels(slots, Layout{Cols: 200, Rows: 1, GapX: 2})
	assert.Error(t, err, "labels narrower than zero")
}

func TestRecordCountsByZone(t *testing.T) {
	store := backstop.NewMemory(0)
	counters := &zoneCounter{}
	l := NewLog(store, nil, nil, LogOptions{FacilityID: facility, Counters: counters, Logger: zerolog.Nop(), Clock: func() time.Time { return t0 }})

	entries, err := l.Record(Job{Addresses: []string{"PF01.001.001.A0T", "PG02.001.001.A01"}, Copies: 3, User: "ana"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
	assert.Equal(t, entries[0].Metadata["job"], entries[1].Metadata["job"])
	assert.Equal(t, map[string]int64{"labels/PF01": 3, "labels/PG02": 3}, counters.byZone)

	_, err = l.Record(Job{})
	assert.ErrorIs(t, err, apperr.InvalidFormat)

	restored := NewLog(store, nil, nil, LogOptions{Logger: zerolog.Nop()})
	assert.Len(t, restored.Entries(), 2)
}

func TestEntriesSamePrintTimeOrderByID(t *testing.T) {
	l := NewLog(backstop.NewMemory(0), nil, nil, LogOptions{FacilityID: facility, Logger: zerolog.Nop(), Clock: func() time.Time { return t0 }})
	_, err := l.Record(Job{Addresses: []string{"PF01.001.001.A0T", "PF01.001.002.A0T", "PF01.001.003.A0T", "PF01.001.004.A0T"}, User: "ana"})
	require.NoError(t, err)

	got := l.Entries()
	require.Len(t, got, 4)
	assert.True(t, slices.IsSortedFunc(got, func(a, b models.LabelLogEntry) int {
		return strings.Compare(a.ID, b.ID)
	}))
}

func TestSyncReconcilesEntries(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	require.NoError(t, srv.StoreLabelEntry(ctx, facility, &models.LabelLogEntry{
		ID: "remote-only", AddressCode: "PF01.001.003.A0T", Copies: 1, User: "bia", PrintedAt: t0,
	}))

	audit := eksync.NewAuditLog(nil, 10, zerolog.Nop())
	resolver := eksync.NewConflictResolver(audit, zerolog.Nop(), nil)
	l := NewLog(backstop.NewMemory(0), srv, resolver, LogOptions{FacilityID: facility, Logger: zerolog.Nop(), Clock: func() time.Time { return t0.Add(time.Hour) }})
	local, err := l.Record(Job{Addresses: []string{"PF01.001.001.A0T"}, User: "ana"})
	require.NoError(t, err)

	// the same entry edited remotely earlier than the local copy
	older := local[0]
	older.Copies = 9
	older.PrintedAt = t0
	older.Metadata = map[string]string{"printer": "zebra"}
	require.NoError(t, srv.StoreLabelEntry(ctx, facility, &older))

	require.NoError(t, l.Sync(ctx))

	got := l.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "remote-only", got[0].ID)
	assert.Equal(t, local[0].ID, got[1].ID)
	assert.Equal(t, 1, got[1].Copies, "later print wins")
	assert.Equal(t, "zebra", got[1].Metadata["printer"], "metadata merged")
	assert.Equal(t, 1, audit.Len())

	remoteEntries, err := srv.FetchLabelEntries(ctx, facility)
	require.NoError(t, err)
	require.Len(t, remoteEntries, 2)
	for _, e := range remoteEntries {
		if e.ID == local[0].ID {
			assert.Equal(t, 1, e.Copies)
		}
	}

	require.NoError(t, l.Sync(ctx))
	assert.Equal(t, 1, audit.Len(), "converged")
}

func TestSyncRemoteDown(t *testing.T) {
	srv := memory.New()
	srv.SetOffline(true)
	l := NewLog(nil, srv, nil, LogOptions{FacilityID: facility, Logger: zerolog.Nop()})
	err := l.Sync(context.Background())
	assert.ErrorIs(t, err, apperr.RemoteFailure)
}

type fakeDirectory map[string]models.Address

func (d fakeDirectory) Address(code string) (models.Address, bool) {
	a, ok := d[code]
	return a, ok
}

func (d fakeDirectory) ProductsAt(string) []models.Allocation { return nil }

func (d fakeDirectory) Search(string) []cache.Slot {
	var out []cache.Slot
	for _, a := range d {
		out = append(out, cache.Slot{Address: a})
	}
	return out
}

func TestPrinter(t *testing.T) {
	dir := fakeDirectory{
		"PF01.001.001.A0T": {Code: "PF01.001.001.A0T", Active: true},
		"PG01.001.001.A0T": {Code: "PG01.001.001.A0T", Active: true},
	}
	p := &Printer{Directory: dir, Log: NewLog(nil, nil, nil, LogOptions{Logger: zerolog.Nop()})}

	pdf, entries, err := p.Print(Job{Addresses: []string{"pf01.001.001.a0t"}, User: "ana"}, DefaultLayout())
	require.NoError(t, err)
	assert.NotEmpty(t, pdf)
	require.Len(t, entries, 1)
	assert.Equal(t, "PF01.001.001.A0T", entries[0].AddressCode)

	_, _, err = p.Print(Job{Addresses: []string{"PF01.001.009.A0T"}}, DefaultLayout())
	assert.ErrorIs(t, err, apperr.AddressNotFound)
	_, _, err = p.Print(Job{Addresses: []string{"nonsense"}}, DefaultLayout())
	assert.ErrorIs(t, err, apperr.InvalidFormat)
	assert.Len(t, p.Log.Entries(), 1, "failed jobs are not logged")

	assert.Equal(t, []string{"PG01.001.001.A0T"}, ZoneAddresses(dir, "PG01"))
}
