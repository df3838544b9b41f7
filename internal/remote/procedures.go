package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/xelth-com/eckaddr/internal/models"
)

// ProcedureFor returns the procedure that applies op.
func ProcedureFor(op models.Operation) (string, error) {
	switch op {
	case models.OpAllocate:
		return ProcAllocate, nil
	case models.OpAddAdditional:
		return ProcAddAdditional, nil
	case models.OpTransfer:
		return ProcTransfer, nil
	case models.OpDeallocate:
		return ProcDeallocate, nil
	case models.OpRegisterAddress:
		return ProcRegisterAddress, nil
	}
	return "", fmt.Errorf("no procedure for operation %q", op)
}

// ParamsFor builds the named arguments for a mutation. Only the fields the
// procedure reads are sent.
func ParamsFor(facilityID string, op models.Operation, p models.MutationPayload) Params {
	params := Params{
		"facility_id": facilityID,
		"address":     p.Address,
		"user":        p.User,
	}
	if !p.At.IsZero() {
		params["at"] = p.At.Format(time.RFC3339)
	}
	switch op {
	case models.OpAllocate, models.OpAddAdditional:
		params["product_code"] = p.ProductCode
		params["product_description"] = p.ProductDescription
		params["validity"] = string(p.Validity)
		params["allow_multiple"] = p.AllowMultiple || op == models.OpAddAdditional
		params["barcode"] = p.Barcode
		params["lot"] = p.Lot
	case models.OpTransfer:
		params["destination_address"] = p.DestinationAddress
		params["product_code"] = p.ProductCode
	case models.OpDeallocate:
		params["product_code"] = p.ProductCode
		params["clear_legacy_index"] = p.ClearLegacyIndex
	case models.OpRegisterAddress:
		params["description"] = p.AddressDescription
	}
	return params
}

// Invoke replays or performs a mutation through the matching procedure.
func Invoke(ctx context.Context, store Store, facilityID string, op models.Operation, p models.MutationPayload) (Result, error) {
	name, err := ProcedureFor(op)
	if err != nil {
		return nil, err
	}
	return store.CallProcedure(ctx, name, ParamsFor(facilityID, op, p))
}

// String reads a string param, tolerating absence.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Bool reads a bool param, tolerating absence.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Time reads an RFC 3339 param, falling back to now.
func (p Params) Time(key string, now time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, p.String(key)); err == nil {
		return t
	}
	return now
}
