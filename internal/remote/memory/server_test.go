package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
)

const facilityID = "CD01"

type ServerSuite struct {
	suite.Suite
	srv *Server
	ctx context.Context
}

func (s *ServerSuite) SetupTest() {
	s.srv = New()
	s.ctx = context.Background()
	for _, code := range []string{"PF01.001.001.A0T", "PF01.001.002.A0T", "PF01.001.003.A0T"} {
		s.srv.SeedAddress(facilityID, models.Address{Code: code, Active: true})
	}
	s.srv.SeedAddress(facilityID, models.Address{Code: "PF01.001.004.A0T", Active: false})
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) allocate(addr, product string, allowMultiple bool) error {
	_, err := remote.Invoke(s.ctx, s.srv, facilityID, models.OpAllocate, models.MutationPayload{
		Address: addr, ProductCode: product, AllowMultiple: allowMultiple,
	})
	return err
}

func (s *ServerSuite) TestAllocateRules() {
	s.Require().NoError(s.allocate("PF01.001.001.A0T", "100005", false))

	s.Run("duplicate at the same address", func() {
		err := s.allocate("PF01.001.001.A0T", "100005", true)
		s.ErrorIs(err, apperr.RemoteRejected)
		s.Equal(apperr.DuplicateAllocation, remote.RejectionKind(err))
	})

	s.Run("single address constraint", func() {
		err := s.allocate("PF01.001.002.A0T", "100005", false)
		s.Equal(apperr.AlreadyAllocated, remote.RejectionKind(err))
	})

	s.Run("capacity", func() {
		s.Require().NoError(s.allocate("PF01.001.001.A0T", "200001", false))
		err := s.allocate("PF01.001.001.A0T", "300001", false)
		s.Equal(apperr.CapacityExceeded, remote.RejectionKind(err))
	})

	s.Run("inactive and unknown addresses", func() {
		s.Equal(apperr.AddressInactive, remote.RejectionKind(s.allocate("PF01.001.004.A0T", "9", false)))
		s.Equal(apperr.AddressNotFound, remote.RejectionKind(s.allocate("PF09.001.001.A0T", "9", false)))
	})

	addr, ok := s.srv.LegacyAddress(facilityID, "100005")
	s.True(ok)
	s.Equal("PF01.001.001.A0T", addr)
}

func (s *ServerSuite) TestTransferIsAtomic() {
	s.Require().NoError(s.allocate("PF01.001.001.A0T", "100005", false))
	s.Require().NoError(s.allocate("PF01.001.002.A0T", "1", false))
	s.Require().NoError(s.allocate("PF01.001.002.A0T", "2", false))

	_, err := remote.Invoke(s.ctx, s.srv, facilityID, models.OpTransfer, models.MutationPayload{
		Address: "PF01.001.001.A0T", DestinationAddress: "PF01.001.002.A0T", ProductCode: "100005",
	})
	s.Equal(apperr.CapacityExceeded, remote.RejectionKind(err))
	s.Len(s.srv.AllocationsAt(facilityID, "PF01.001.001.A0T"), 1)

	_, err = remote.Invoke(s.ctx, s.srv, facilityID, models.OpTransfer, models.MutationPayload{
		Address: "PF01.001.001.A0T", DestinationAddress: "PF01.001.003.A0T", ProductCode: "100005",
	})
	s.Require().NoError(err)
	s.Empty(s.srv.AllocationsAt(facilityID, "PF01.001.001.A0T"))
	s.Len(s.srv.AllocationsAt(facilityID, "PF01.001.003.A0T"), 1)

	addr, _ := s.srv.LegacyAddress(facilityID, "100005")
	s.Equal("PF01.001.003.A0T", addr)
}

func (s *ServerSuite) TestDeallocateClearsLegacyIndex() {
	s.Require().NoError(s.allocate("PF01.001.001.A0T", "100005", false))
	s.Require().NoError(s.allocate("PF01.001.002.A0T", "100005", true))

	_, err := remote.Invoke(s.ctx, s.srv, facilityID, models.OpDeallocate, models.MutationPayload{
		Address: "PF01.001.001.A0T", ProductCode: "100005",
	})
	s.Require().NoError(err)
	addr, ok := s.srv.LegacyAddress(facilityID, "100005")
	s.True(ok)
	s.Equal("PF01.001.002.A0T", addr)

	_, err = remote.Invoke(s.ctx, s.srv, facilityID, models.OpDeallocate, models.MutationPayload{
		Address: "PF01.001.002.A0T", ProductCode: "100005", ClearLegacyIndex: true,
	})
	s.Require().NoError(err)
	_, ok = s.srv.LegacyAddress(facilityID, "100005")
	s.False(ok)

	_, err = remote.Invoke(s.ctx, s.srv, facilityID, models.OpDeallocate, models.MutationPayload{
		Address: "PF01.001.002.A0T", ProductCode: "100005",
	})
	s.Equal(apperr.NotAllocated, remote.RejectionKind(err))
}

func (s *ServerSuite) TestRegisterAddress() {
	_, err := remote.Invoke(s.ctx, s.srv, facilityID, models.OpRegisterAddress, models.MutationPayload{
		Address: "pf02.001.010.a03", AddressDescription: "Mezanino",
	})
	s.Require().NoError(err)

	_, err = remote.Invoke(s.ctx, s.srv, facilityID, models.OpRegisterAddress, models.MutationPayload{Address: "PF02.001.010.A03"})
	s.Equal(apperr.AddressExists, remote.RejectionKind(err))
}

func (s *ServerSuite) TestPagination() {
	page0, err := s.srv.LoadAddresses(s.ctx, facilityID, 0, 3)
	s.Require().NoError(err)
	s.Len(page0, 3)
	s.Equal("PF01.001.001.A0T", page0[0].Code)

	page1, err := s.srv.LoadAddresses(s.ctx, facilityID, 1, 3)
	s.Require().NoError(err)
	s.Len(page1, 1)

	page2, err := s.srv.LoadAddresses(s.ctx, facilityID, 2, 3)
	s.Require().NoError(err)
	s.Empty(page2)
}

func (s *ServerSuite) TestFailureInjection() {
	s.srv.FailNext(1, nil)
	s.ErrorIs(s.srv.Ping(s.ctx), apperr.RemoteFailure)
	s.NoError(s.srv.Ping(s.ctx))

	s.srv.FailNext(1, context.DeadlineExceeded)
	s.ErrorIs(s.srv.Ping(s.ctx), apperr.Timeout)

	s.srv.SetOffline(true)
	s.ErrorIs(s.allocate("PF01.001.001.A0T", "1", false), apperr.RemoteFailure)
	s.Zero(s.srv.CallCount(""), "calls that never reach the server are not recorded")
	s.srv.SetOffline(false)

	s.srv.RejectNext(1)
	s.ErrorIs(s.allocate("PF01.001.001.A0T", "1", false), apperr.RemoteRejected)
	s.Equal(1, s.srv.CallCount(remote.ProcAllocate))
}

func (s *ServerSuite) TestLatencyHonorsContext() {
	s.srv.SetLatency(200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Millisecond)
	defer cancel()

	_, err := s.srv.QueryLiveStatus(ctx, "1", facilityID)
	s.True(errors.Is(err, apperr.Timeout))
}

func (s *ServerSuite) TestLegacyRows() {
	srv := New(WithLegacyRows())
	srv.SeedAddress(facilityID, models.Address{Code: "PF01.001.001.A0T", Active: true})
	srv.SeedAllocation(facilityID, models.Allocation{Address: "PF01.001.001.A0T", ProductCode: "100005", ProductDescription: "Fralda P"})

	rows, err := srv.LoadAllocations(s.ctx, facilityID, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal("100005", rows[0].Coddv.String())
	s.Empty(rows[0].ProductCode.String())

	a, err := rows[0].Normalize(time.UTC)
	s.Require().NoError(err)
	s.Equal("Fralda P", a.ProductDescription)
}

func (s *ServerSuite) TestCounters() {
	got, err := s.srv.FetchCounter(s.ctx, "labels")
	s.Require().NoError(err)
	s.Nil(got)

	s.Require().NoError(s.srv.StoreCounter(s.ctx, &models.UsageCounter{Key: "labels", Total: 4, Categories: map[string]int64{"PF01": 4}}))
	got, err = s.srv.FetchCounter(s.ctx, "labels")
	s.Require().NoError(err)
	s.EqualValues(4, got.Total)
}
