package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/backstop"
	"github.com/xelth-com/eckaddr/internal/config"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote/memory"
)

type countingReloader struct {
	calls int
	err   error
}

func (r *countingReloader) Reload(ctx context.Context) error {
	r.calls++
	return r.err
}

type fakeCounters struct{ calls int }

func (f *fakeCounters) SyncAll(ctx context.Context) error {
	f.calls++
	return nil
}

type failingLabels struct{}

func (failingLabels) Sync(ctx context.Context) error { return errors.New("label log unavailable") }

func newTestEngine(t *testing.T, reloader *countingReloader, cfg *config.SyncConfig, onResult func(SyncResult)) (*SyncEngine, *Queue, *memory.Server) {
	t.Helper()
	srv := memory.New()
	srv.SeedAddress(facility, models.Address{Code: addrA, Active: true})
	q, err := NewQueue(backstop.NewMemory(0), zerolog.Nop(), nil)
	require.NoError(t, err)
	d := NewDrainer(q, srv, DrainerOptions{FacilityID: facility, MaxRetries: 1, Reloader: reloader, Logger: zerolog.Nop()})
	se := NewSyncEngine(EngineOptions{
		Config:   cfg,
		Drainer:  d,
		Queue:    q,
		Reloader: reloader,
		Counters: &fakeCounters{},
		Labels:   failingLabels{},
		Logger:   zerolog.Nop(),
		OnResult: onResult,
	})
	return se, q, srv
}

func TestSyncEngineRunDrain(t *testing.T) {
	reloader := &countingReloader{}
	se, q, srv := newTestEngine(t, reloader, nil, nil)
	require.NoError(t, q.Enqueue(models.OfflineMutation{
		ID:        "m1",
		Operation: models.OpAllocate,
		Payload:   models.MutationPayload{Address: addrA, ProductCode: "100005"},
	}))

	res := se.Run(context.Background(), RequestDrain)
	assert.True(t, res.Success)
	require.NotNil(t, res.Drain)
	assert.Equal(t, 1, res.Drain.Replayed)
	assert.Equal(t, 1, reloader.calls)
	assert.Len(t, srv.AllocationsAt(facility, addrA), 1)

	st := se.Status()
	assert.Equal(t, SyncStatusCompleted, st.Status)
	assert.Zero(t, st.Pending)
	assert.True(t, st.Online)
}

func TestSyncEngineForcesReloadOnIntegrityError(t *testing.T) {
	reloader := &countingReloader{err: apperr.New(apperr.LoadFailure, "boom")}
	se, q, _ := newTestEngine(t, reloader, nil, nil)
	require.NoError(t, q.Enqueue(models.OfflineMutation{
		ID:        "m1",
		Operation: models.OpAllocate,
		Payload:   models.MutationPayload{Address: addrA, ProductCode: "100005"},
	}))

	res := se.Run(context.Background(), RequestDrain)
	assert.False(t, res.Success)
	assert.Equal(t, 2, reloader.calls, "drain reload plus the forced one")
	assert.Equal(t, SyncStatusFailed, se.Status().Status)
}

func TestSyncEngineOtherRequests(t *testing.T) {
	se, _, _ := newTestEngine(t, &countingReloader{}, nil, nil)

	assert.True(t, se.Run(context.Background(), RequestCounters).Success)
	assert.True(t, se.Run(context.Background(), RequestReload).Success)

	res := se.Run(context.Background(), RequestLabels)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "label log unavailable")

	assert.False(t, se.Run(context.Background(), RequestType("bogus")).Success)
}

func TestSyncEngineWorker(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	cfg.AutoSyncEnabled = false
	cfg.SyncOnStartup = true

	results := make(chan SyncResult, 8)
	se, _, _ := newTestEngine(t, &countingReloader{}, cfg, func(r SyncResult) { results <- r })
	require.NoError(t, se.Start())
	assert.Error(t, se.Start(), "second start is refused")
	defer se.Stop()

	got := map[RequestType]bool{}
	for range 2 {
		select {
		case r := <-results:
			got[r.Type] = true
			assert.Equal(t, "startup", r.Reason)
		case <-time.After(2 * time.Second):
			t.Fatal("startup sync did not run")
		}
	}
	assert.True(t, got[RequestDrain])
	assert.True(t, got[RequestCounters])
	assert.True(t, se.Status().Running)
}
