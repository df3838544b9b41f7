package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/xelth-com/eckaddr/internal/allocation"
	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/backstop"
	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
	"github.com/xelth-com/eckaddr/internal/remote/memory"
)

const (
	facility = "CD01"
	addrA    = "PF01.001.001.A0T"
	addrB    = "PF01.001.002.A0T"
	addrC    = "PF01.001.003.A0T"
)

// fakeLink stands in for the connection manager.
type fakeLink struct {
	mu      sync.Mutex
	online  bool
	reasons []string
}

func (l *fakeLink) IsOnline() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

func (l *fakeLink) MarkOffline(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online = false
	l.reasons = append(l.reasons, reason)
}

func (l *fakeLink) set(online bool) {
	l.mu.Lock()
	l.online = online
	l.mu.Unlock()
}

type DrainSuite struct {
	suite.Suite
	ctx     context.Context
	srv     *memory.Server
	cache   *cache.Cache
	store   *backstop.Memory
	queue   *Queue
	link    *fakeLink
	engine  *allocation.Engine
	drainer *Drainer
	metrics *metrics.Metrics
	buried  []models.PermanentFailure
}

func TestDrainSuite(t *testing.T) {
	suite.Run(t, new(DrainSuite))
}

func (s *DrainSuite) SetupTest() {
	s.ctx = context.Background()
	s.srv = memory.New()
	for _, code := range []string{addrA, addrB, addrC} {
		s.srv.SeedAddress(facility, models.Address{Code: code, Active: true})
	}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.store = backstop.NewMemory(0)
	var err error
	s.queue, err = NewQueue(s.store, zerolog.Nop(), s.metrics)
	s.Require().NoError(err)

	s.cache = cache.New(s.srv, cache.Options{FacilityID: facility, Logger: zerolog.Nop(), Pending: s.queue})
	s.Require().NoError(s.cache.Load(s.ctx))

	s.link = &fakeLink{online: true}
	s.engine = allocation.New(s.cache, s.srv, allocation.Options{
		FacilityID:   facility,
		Queue:        s.queue,
		Connectivity: s.link,
		Logger:       zerolog.Nop(),
	})
	s.buried = nil
	s.drainer = s.newDrainer(2)
}

func (s *DrainSuite) newDrainer(maxRetries int) *Drainer {
	return NewDrainer(s.queue, s.srv, DrainerOptions{
		FacilityID:  facility,
		MaxRetries:  maxRetries,
		Link:        s.link,
		Reloader:    s.engine,
		Logger:      zerolog.Nop(),
		Metrics:     s.metrics,
		OnPermanent: func(f models.PermanentFailure) { s.buried = append(s.buried, f) },
	})
}

func (s *DrainSuite) allocate(addr, product string) {
	_, err := s.engine.Allocate(s.ctx, allocation.AllocateRequest{
		Address: addr, ProductCode: product, Description: "Fralda P", Validity: "0526", AllowMultiple: true, User: "ana",
	})
	s.Require().NoError(err)
}

func (s *DrainSuite) TestReplaysInEnqueueOrder() {
	s.link.set(false)
	s.allocate(addrA, "100005")
	s.allocate(addrB, "200001")
	_, err := s.engine.Transfer(s.ctx, addrA, addrC, "100005", "ana")
	s.Require().NoError(err)
	s.Equal(3, s.queue.Len())

	s.link.set(true)
	report, err := s.drainer.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, report.Replayed)
	s.Zero(report.Remaining)
	s.True(report.Reloaded)

	calls := s.srv.Calls()
	s.Require().Len(calls, 3)
	s.Equal(remote.ProcAllocate, calls[0].Name)
	s.Equal("100005", calls[0].Params.String("product_code"))
	s.Equal(remote.ProcAllocate, calls[1].Name)
	s.Equal("200001", calls[1].Params.String("product_code"))
	s.Equal(remote.ProcTransfer, calls[2].Name)

	s.Equal([]string{addrC}, s.cache.AllAddressesOf("100005"))
	s.Equal(0.0, testutil.ToFloat64(s.metrics.QueueDepth))
}

func (s *DrainSuite) TestOfflineDeallocateScenario() {
	s.allocate(addrA, "100005")
	s.allocate(addrA, "200001")
	s.srv.ResetCalls()

	s.link.set(false)
	out, err := s.engine.Deallocate(s.ctx, addrA, "100005", "ana")
	s.Require().NoError(err)
	s.True(out.PendingSync)
	s.Equal(1, s.cache.Occupancy(addrA))
	s.Require().Len(s.queue.Pending(), 1)
	s.Equal(models.OpDeallocate, s.queue.Pending()[0].Operation)

	s.link.set(true)
	report, err := s.drainer.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, s.srv.CallCount(""), "remote called once")
	s.Zero(s.queue.Len())
	s.True(report.Reloaded)
	s.Equal(1, s.cache.Occupancy(addrA))
	s.Len(s.srv.AllocationsAt(facility, addrA), 1)
}

func (s *DrainSuite) TestTransientFailureStopsPassAndKeepsOrder() {
	s.link.set(false)
	s.allocate(addrA, "100005")
	s.allocate(addrB, "200001")
	first := s.queue.Pending()[0].ID

	s.link.set(true)
	s.srv.FailNext(1, nil)
	report, err := s.drainer.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Retried)
	s.Zero(report.Replayed)
	s.NotEmpty(report.StoppedBy)
	s.False(report.Reloaded)
	s.False(s.link.IsOnline(), "a transient replay failure marks the link offline")

	head, ok := s.queue.Head()
	s.Require().True(ok)
	s.Equal(first, head.ID)
	s.Equal(1, head.RetryCount)
	s.NotEmpty(head.LastError)
	s.Equal(2, s.queue.Len())
}

func (s *DrainSuite) TestBacklogKeepsOrderAcrossReloads() {
	s.allocate(addrA, "100005")
	s.link.set(false)
	_, err := s.engine.Deallocate(s.ctx, addrA, "100005", "ana")
	s.Require().NoError(err)
	s.srv.ResetCalls()

	s.link.set(true)
	s.allocate(addrC, "300001")
	s.Equal(2, s.queue.Len(), "queued behind the pending deallocate")
	s.Zero(s.srv.CallCount(""))

	s.Require().NoError(s.engine.Reload(s.ctx))
	s.False(s.cache.Holds(addrA, "100005"), "reload keeps the queued deallocate")
	s.True(s.cache.Holds(addrC, "300001"))

	report, err := s.drainer.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, report.Replayed)
	s.Empty(report.Permanent)
	calls := s.srv.Calls()
	s.Require().Len(calls, 2)
	s.Equal(remote.ProcDeallocate, calls[0].Name)
	s.Equal(remote.ProcAllocate, calls[1].Name)
	s.Empty(s.srv.AllocationsAt(facility, addrA))
	s.Len(s.srv.AllocationsAt(facility, addrC), 1)
	s.False(s.cache.Holds(addrA, "100005"))
	s.True(s.cache.Holds(addrC, "300001"))
}

// failingCall lets procedure calls through except the nth one.
type failingCall struct {
	*memory.Server
	nth   int
	calls int
}

func (f *failingCall) CallProcedure(ctx context.Context, name string, p remote.Params) (remote.Result, error) {
	f.calls++
	if f.calls == f.nth {
		return nil, apperr.New(apperr.RemoteFailure, "%s: connection reset", name)
	}
	return f.Server.CallProcedure(ctx, name, p)
}

func (s *DrainSuite) TestPartialPassKeepsRemainingVisible() {
	s.link.set(false)
	s.allocate(addrA, "100005")
	s.allocate(addrB, "200001")
	_, err := s.engine.Transfer(s.ctx, addrB, addrC, "200001", "ana")
	s.Require().NoError(err)

	s.link.set(true)
	drainer := NewDrainer(s.queue, &failingCall{Server: s.srv, nth: 2}, DrainerOptions{
		FacilityID: facility,
		MaxRetries: 2,
		Link:       s.link,
		Reloader:   s.engine,
		Logger:     zerolog.Nop(),
	})
	report, err := drainer.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Replayed)
	s.Equal(1, report.Retried)
	s.True(report.Reloaded)
	s.Equal(2, report.Remaining)

	s.True(s.cache.Holds(addrA, "100005"), "replayed, now from the remote")
	s.False(s.cache.Holds(addrB, "200001"), "the queued transfer is still applied")
	s.True(s.cache.Holds(addrC, "200001"))
	s.Empty(s.srv.AllocationsAt(facility, addrB))
}

func (s *DrainSuite) TestRetryCeilingBuriesMutation() {
	s.link.set(false)
	s.allocate(addrA, "100005")
	s.srv.SetOffline(true)

	for i := 1; i <= 2; i++ {
		s.link.set(true)
		report, err := s.drainer.Drain(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, report.Retried, "attempt %d", i)
		s.Empty(report.Permanent)
	}

	s.link.set(true)
	report, err := s.drainer.Drain(s.ctx)
	s.ErrorIs(err, apperr.LoadFailure, "the reload after burying fails while the remote is down")
	s.False(report.Reloaded)
	s.Require().Len(report.Permanent, 1)
	s.Equal(3, report.Permanent[0].Mutation.RetryCount)
	s.Contains(report.Permanent[0].Reason, "retry ceiling")
	s.Zero(s.queue.Len())

	s.Require().Len(s.queue.Failed(), 1)
	s.Len(s.buried, 1)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.PermanentFailures))

	var persisted []models.PermanentFailure
	found, err := backstop.GetJSON(s.store, backstop.KeyDeadLetter, &persisted)
	s.Require().NoError(err)
	s.True(found)
	s.Len(persisted, 1)
}

func (s *DrainSuite) TestRejectionIsPermanentAndPassContinues() {
	s.link.set(false)
	s.allocate(addrA, "100005")
	s.allocate(addrB, "200001")

	s.link.set(true)
	s.srv.RejectNext(1)
	report, err := s.drainer.Drain(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.Permanent, 1)
	s.Equal("100005", report.Permanent[0].Mutation.Payload.ProductCode)
	s.Equal(1, report.Replayed)
	s.True(report.Reloaded)

	s.Empty(s.cache.AllAddressesOf("100005"), "reload drops the optimistic apply")
	s.Equal([]string{addrB}, s.cache.AllAddressesOf("200001"))
}

func (s *DrainSuite) TestUnsetRetryCeilingUsesDefault() {
	d := NewDrainer(s.queue, s.srv, DrainerOptions{FacilityID: facility, Link: s.link, Logger: zerolog.Nop()})
	s.Equal(DefaultMaxRetries, d.maxRetries)

	s.link.set(false)
	s.allocate(addrA, "100005")
	s.link.set(true)
	s.srv.FailNext(1, nil)
	report, err := d.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Retried)
	s.Empty(report.Permanent, "one transient failure is retried, not buried")
	s.Equal(1, s.queue.Len())
}

func (s *DrainSuite) TestSkipsWhileOffline() {
	s.link.set(false)
	s.allocate(addrA, "100005")

	report, err := s.drainer.Drain(s.ctx)
	s.Require().NoError(err)
	s.True(report.Skipped)
	s.Equal(1, report.Remaining)
	s.Zero(s.srv.CallCount(""))
}

func (s *DrainSuite) TestConcurrentDrainsShareOnePass() {
	s.link.set(false)
	s.allocate(addrA, "100005")
	s.link.set(true)
	s.srv.SetLatency(50 * time.Millisecond)

	var wg sync.WaitGroup
	reports := make([]DrainReport, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], _ = s.drainer.Drain(s.ctx)
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	s.Equal(1, s.srv.CallCount(remote.ProcAllocate))
	s.Equal(1, reports[0].Replayed)
	s.Equal(1, reports[1].Replayed)
}

func (s *DrainSuite) TestQueueSurvivesRestart() {
	s.link.set(false)
	s.allocate(addrA, "100005")

	restored, err := NewQueue(s.store, zerolog.Nop(), nil)
	s.Require().NoError(err)
	s.Require().Equal(1, restored.Len())
	s.True(restored.HasPendingFor("100005"))
	s.Equal(map[string]bool{addrA: true}, restored.PendingAddressesFor("100005"))
}
