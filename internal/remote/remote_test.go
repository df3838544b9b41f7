package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
)

func TestNormalizeBothShapes(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	current := []byte(`{"address":"pf01.001.001.a0t","product_code":"100005","product_description":"Fralda P",
		"validity":"0526","user":"ana","allocated_at":"2026-03-01T10:00:00-03:00","active":true,"barcode":false}`)
	legacy := []byte(`{"endereco":"PF01.001.001.A0T","coddv":"100005","desc":"Fralda P","validade":"0526",
		"usuario":"ana","data_hora":"01/03/2026 10:00:00"}`)

	var a, b AllocationRow
	require.NoError(t, json.Unmarshal(current, &a))
	require.NoError(t, json.Unmarshal(legacy, &b))

	na, err := a.Normalize(loc)
	require.NoError(t, err)
	nb, err := b.Normalize(loc)
	require.NoError(t, err)

	assert.Equal(t, "PF01.001.001.A0T", na.Address)
	assert.Equal(t, "", na.Barcode)
	assert.True(t, na.AllocatedAt.Equal(nb.AllocatedAt))
	na.AllocatedAt, nb.AllocatedAt = time.Time{}, time.Time{}
	assert.Equal(t, na, nb)
}

func TestNormalizeRejectsBadRows(t *testing.T) {
	_, err := AllocationRow{Address: "PF01.002.001.A0T", ProductCode: "1"}.Normalize(nil)
	require.Error(t, err)

	_, err = AllocationRow{Address: "PF01.001.001.A0T"}.Normalize(nil)
	require.Error(t, err)

	_, err = AllocationRow{Address: "PF01.001.001.A0T", ProductCode: "1", Validity: "1326"}.Normalize(nil)
	require.Error(t, err)
}

func TestLegacyRowRoundTrip(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	a := models.Allocation{
		Address: "PF01.001.002.A01", ProductCode: "7", ProductDescription: "Lenço",
		User: "rui", AllocatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, loc), Active: true,
	}
	back, err := LegacyRowOf(a, loc).Normalize(loc)
	require.NoError(t, err)
	assert.True(t, a.AllocatedAt.Equal(back.AllocatedAt))
	assert.Equal(t, a.ProductDescription, back.ProductDescription)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil, "x"))
	assert.ErrorIs(t, Classify(context.DeadlineExceeded, "load"), apperr.Timeout)
	assert.ErrorIs(t, Classify(errors.New("refused"), "load"), apperr.RemoteFailure)

	rejected := Reject(apperr.CapacityExceeded, "full")
	assert.Same(t, rejected, Classify(rejected, "allocate"))
}

func TestRejectionKind(t *testing.T) {
	assert.Equal(t, apperr.CapacityExceeded, RejectionKind(fmt.Errorf("call: %w", Reject(apperr.CapacityExceeded, "full"))))
	assert.Equal(t, apperr.RemoteRejected, RejectionKind(Reject(apperr.Kind("locked"), "row locked")))
	assert.Equal(t, apperr.Timeout, RejectionKind(apperr.New(apperr.Timeout, "slow")))
}

func TestParamsFor(t *testing.T) {
	p := models.MutationPayload{Address: "PF01.001.001.A0T", ProductCode: "1", DestinationAddress: "PF01.001.002.A0T"}

	params := ParamsFor("CD01", models.OpAddAdditional, p)
	assert.Equal(t, true, params["allow_multiple"])
	assert.NotContains(t, params, "destination_address")

	params = ParamsFor("CD01", models.OpTransfer, p)
	assert.Equal(t, "PF01.001.002.A0T", params.String("destination_address"))
	assert.Equal(t, "CD01", params.String("facility_id"))

	_, err := ProcedureFor(models.Operation("bogus"))
	require.Error(t, err)
}
