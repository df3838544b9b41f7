package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/xelth-com/eckaddr/internal/allocation"
	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/backstop"
	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/labels"
	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote/memory"
	eksync "github.com/xelth-com/eckaddr/internal/sync"
	"github.com/xelth-com/eckaddr/internal/usage"
	"github.com/xelth-com/eckaddr/internal/utils"
)

const (
	facility = "CD01"
	addrA    = "PF01.001.001.A0T"
	addrB    = "PF01.001.002.A0T"
	secret   = "test-secret"
)

type switchLink struct{ online bool }

func (l *switchLink) IsOnline() bool     { return l.online }
func (l *switchLink) MarkOffline(string) { l.online = false }
func (l *switchLink) set(online bool)    { l.online = online }

type RouterSuite struct {
	suite.Suite
	srv    *memory.Server
	link   *switchLink
	queue  *eksync.Queue
	engine *allocation.Engine
	router *Router
	token  string
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	ctx := context.Background()
	s.srv = memory.New()
	s.srv.SeedAddress(facility, models.Address{Code: addrA, Description: "Fraldas", Active: true})
	s.srv.SeedAddress(facility, models.Address{Code: addrB, Active: true})

	m := metrics.New(prometheus.NewRegistry())
	q, err := eksync.NewQueue(backstop.NewMemory(0), zerolog.Nop(), m)
	s.Require().NoError(err)
	c := cache.New(s.srv, cache.Options{FacilityID: facility, Capacity: allocation.Capacity, Logger: zerolog.Nop(), Metrics: m, Pending: q})
	s.queue = q
	s.link = &switchLink{online: true}

	s.engine = allocation.New(c, s.srv, allocation.Options{FacilityID: facility, Queue: q, Connectivity: s.link, Logger: zerolog.Nop(), Metrics: m})
	s.Require().NoError(s.engine.Reload(ctx))

	drainer := eksync.NewDrainer(q, s.srv, eksync.DrainerOptions{FacilityID: facility, Link: s.link, Reloader: s.engine, Logger: zerolog.Nop()})
	audit := eksync.NewAuditLog(nil, 10, zerolog.Nop())
	resolver := eksync.NewConflictResolver(audit, zerolog.Nop(), m)
	counters := usage.New(backstop.NewMemory(0), s.srv, resolver, usage.Options{Logger: zerolog.Nop()})
	log := labels.NewLog(nil, s.srv, resolver, labels.LogOptions{FacilityID: facility, Counters: counters, Logger: zerolog.Nop()})

	s.router = NewRouter(Deps{
		Engine:     s.engine,
		Reconciler: eksync.NewReconciler(s.srv, c, eksync.ReconcilerOptions{Folder: s.engine, Pending: q, Backoff: time.Millisecond, Logger: zerolog.Nop()}),
		Sync: eksync.NewSyncEngine(eksync.EngineOptions{
			Drainer:  drainer,
			Queue:    q,
			Reloader: s.engine,
			Counters: counters,
			Labels:   log,
			Logger:   zerolog.Nop(),
		}),
		Queue:          q,
		Audit:          audit,
		Usage:          counters,
		Printer:        &labels.Printer{Directory: c, Log: log},
		JWTSecret:      secret,
		LiveTimeout:    time.Second,
		LiveMaxRetries: 1,
		Gatherer:       prometheus.NewRegistry(),
		Logger:         zerolog.Nop(),
	})

	s.token, err = utils.GenerateToken("ana", "operator", secret, time.Hour)
	s.Require().NoError(err)
}

func (s *RouterSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (s *RouterSuite) TestHealthIsPublic() {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	s.Equal(http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](s.T(), rec)
	s.Equal(true, body["loaded"])
	s.Equal(float64(2), body["addresses"])
}

func (s *RouterSuite) TestAuthRequired() {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/addresses", nil))
	s.Equal(http.StatusUnauthorized, rec.Code)

	s.token = "garbage"
	s.Equal(http.StatusUnauthorized, s.do("GET", "/api/addresses", nil).Code)
}

func (s *RouterSuite) TestAllocateRecordsTokenUser() {
	rec := s.do("POST", "/api/allocations", map[string]any{"address": addrA, "product_code": "100005", "validity": "0327"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	out := decodeBody[allocation.Outcome](s.T(), rec)
	s.Equal(1, out.Occupancy)
	s.False(out.PendingSync)

	allocs := s.srv.AllocationsAt(facility, addrA)
	s.Require().Len(allocs, 1)
	s.Equal("ana", allocs[0].User)

	rec = s.do("GET", "/api/products/100005/status", nil)
	s.Equal(http.StatusOK, rec.Code)
	st := decodeBody[allocation.Status](s.T(), rec)
	s.Equal([]string{addrA}, st.Addresses)
}

func (s *RouterSuite) TestErrorKindsMapToStatus() {
	s.Require().Equal(http.StatusCreated, s.do("POST", "/api/allocations", map[string]any{"address": addrA, "product_code": "100005"}).Code)

	rec := s.do("POST", "/api/allocations", map[string]any{"address": addrB, "product_code": "100005"})
	s.Equal(http.StatusConflict, rec.Code)
	body := decodeBody[map[string]any](s.T(), rec)
	s.Equal(string(apperr.AlreadyAllocated), body["kind"])
	s.NotNil(body["details"])

	rec = s.do("POST", "/api/allocations", map[string]any{"address": "PF01.001.001", "product_code": "1"})
	s.Equal(http.StatusUnprocessableEntity, rec.Code)

	rec = s.do("POST", "/api/allocations", map[string]any{"address": "PF01.001.077.A0T", "product_code": "1"})
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do("GET", "/api/addresses/PF01.001.077.A0T", nil)
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do("POST", "/api/allocations", map[string]any{"address": addrA, "product_code": "1", "bogus": true})
	s.Equal(http.StatusUnprocessableEntity, rec.Code, "unknown fields are refused")
}

func (s *RouterSuite) TestOfflineMutationIsAcceptedThenDrained() {
	s.link.set(false)
	rec := s.do("POST", "/api/allocations", map[string]any{"address": addrA, "product_code": "100005"})
	s.Require().Equal(http.StatusAccepted, rec.Code)
	s.True(decodeBody[allocation.Outcome](s.T(), rec).PendingSync)

	queue := decodeBody[map[string]any](s.T(), s.do("GET", "/api/sync/queue", nil))
	s.Equal(float64(1), queue["count"])

	s.link.set(true)
	rec = s.do("POST", "/api/sync/drain", nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[eksync.SyncResult](s.T(), rec)
	s.Require().NotNil(res.Drain)
	s.Equal(1, res.Drain.Replayed)
	s.Len(s.srv.AllocationsAt(facility, addrA), 1)
	s.Equal(0, s.queue.Len())
}

func (s *RouterSuite) TestTransferAndDeallocate() {
	s.Require().Equal(http.StatusCreated, s.do("POST", "/api/allocations", map[string]any{"address": addrA, "product_code": "100005"}).Code)

	rec := s.do("POST", "/api/allocations/transfer", map[string]any{"source": addrA, "destination": addrB, "product_code": "100005"})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Empty(s.srv.AllocationsAt(facility, addrA))
	s.Len(s.srv.AllocationsAt(facility, addrB), 1)

	rec = s.do("DELETE", "/api/allocations/"+addrB+"/100005", nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Empty(s.srv.AllocationsAt(facility, addrB))

	rec = s.do("DELETE", "/api/allocations/"+addrB+"/100005", nil)
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *RouterSuite) TestAddressListing() {
	s.Require().Equal(http.StatusCreated, s.do("POST", "/api/allocations", map[string]any{"address": addrA, "product_code": "1"}).Code)
	s.Require().Equal(http.StatusCreated, s.do("POST", "/api/allocations", map[string]any{"address": addrA, "product_code": "2"}).Code)

	all := decodeBody[map[string]any](s.T(), s.do("GET", "/api/addresses", nil))
	s.Equal(float64(2), all["count"])
	free := decodeBody[map[string]any](s.T(), s.do("GET", "/api/addresses?available=true", nil))
	s.Equal(float64(1), free["count"], "full address excluded")

	found := decodeBody[map[string]any](s.T(), s.do("GET", "/api/addresses/search?q=fraldas", nil))
	s.Equal(float64(1), found["count"])

	detail := decodeBody[map[string]any](s.T(), s.do("GET", "/api/addresses/pf01.001.001.a0t", nil))
	s.Equal(true, detail["full"])

	rec := s.do("POST", "/api/addresses", map[string]any{"code": "PF01.001.010.A01", "description": "novo"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	s.Equal(http.StatusConflict, s.do("POST", "/api/addresses", map[string]any{"code": "PF01.001.010.A01"}).Code)
}

func (s *RouterSuite) TestLiveCheck() {
	s.srv.SeedAllocation(facility, models.Allocation{Address: addrB, ProductCode: "300001", AllocatedAt: time.Now()})
	rec := s.do("GET", "/api/products/300001/live?timeout=500ms", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	st := decodeBody[eksync.LiveStatus](s.T(), rec)
	s.Equal(eksync.SourceLive, st.Source)
	s.Equal([]string{addrB}, st.Addresses)

	s.Equal(http.StatusBadRequest, s.do("GET", "/api/products/300001/live?timeout=soon", nil).Code)
}

func (s *RouterSuite) TestLabelsAndUsage() {
	rec := s.do("POST", "/api/labels", map[string]any{"zone": "PF01", "copies": 2})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("application/pdf", rec.Header().Get("Content-Type"))
	s.Equal("2", rec.Header().Get("X-Label-Count"))

	rec = s.do("GET", "/api/usage/labels", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	c := decodeBody[models.UsageCounter](s.T(), rec)
	s.Equal(int64(4), c.Total)
	s.Equal(int64(4), c.Categories["PF01"])

	rec = s.do("POST", "/api/usage/labels/sync", nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	remote, err := s.srv.FetchCounter(context.Background(), "labels")
	s.Require().NoError(err)
	s.Equal(int64(4), remote.Total)

	s.Equal(http.StatusNotFound, s.do("GET", "/api/usage/none", nil).Code)
	s.Equal(http.StatusNotFound, s.do("POST", "/api/labels", map[string]any{"zone": "ZZ99"}).Code)
	s.Equal(http.StatusUnprocessableEntity, s.do("POST", "/api/labels", map[string]any{}).Code)

	entries := decodeBody[map[string]any](s.T(), s.do("GET", "/api/labels", nil))
	s.Equal(float64(2), entries["count"])
}

func (s *RouterSuite) TestSyncViews() {
	s.Equal(http.StatusOK, s.do("GET", "/api/sync/status", nil).Code)
	failed := decodeBody[map[string]any](s.T(), s.do("GET", "/api/sync/failed", nil))
	s.Equal(float64(0), failed["count"])
	conflicts := decodeBody[map[string]any](s.T(), s.do("GET", "/api/sync/conflicts", nil))
	s.Equal(float64(0), conflicts["count"])
	s.Equal(http.StatusNoContent, s.do("DELETE", "/api/sync/failed", nil).Code)
	s.Equal(http.StatusOK, s.do("GET", "/metrics", nil).Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.CapacityExceeded:  http.StatusConflict,
		apperr.AddressNotFound:   http.StatusNotFound,
		apperr.InvalidFormat:     http.StatusUnprocessableEntity,
		apperr.RemoteFailure:     http.StatusBadGateway,
		apperr.RemoteRejected:    http.StatusBadGateway,
		apperr.Timeout:           http.StatusGatewayTimeout,
		apperr.LoadFailure:       http.StatusServiceUnavailable,
		apperr.CacheInconsistent: http.StatusServiceUnavailable,
		"":                       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}
