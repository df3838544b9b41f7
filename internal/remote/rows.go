package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xelth-com/eckaddr/internal/models"
)

// Text decodes a string field that some backends send as boolean false
// when empty.
type Text string

// UnmarshalJSON accepts a string, false or null.
func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var b *bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b != nil && *b {
			*t = "true"
		} else {
			*t = ""
		}
		return nil
	}
	return errors.New("text: cannot unmarshal value into string")
}

func (t Text) String() string { return strings.TrimSpace(string(t)) }

// AllocationRow is an allocation as the remote returns it. Older rows use
// the legacy column names; Normalize collapses both shapes.
type AllocationRow struct {
	Address            Text  `json:"address,omitempty"`
	ProductCode        Text  `json:"product_code,omitempty"`
	ProductDescription Text  `json:"product_description,omitempty"`
	Validity           Text  `json:"validity,omitempty"`
	User               Text  `json:"user,omitempty"`
	AllocatedAt        Text  `json:"allocated_at,omitempty"`
	Active             *bool `json:"active,omitempty"`
	Barcode            Text  `json:"barcode,omitempty"`
	Lot                Text  `json:"lot,omitempty"`

	Endereco Text `json:"endereco,omitempty"`
	Coddv    Text `json:"coddv,omitempty"`
	Desc     Text `json:"desc,omitempty"`
	Validade Text `json:"validade,omitempty"`
	Usuario  Text `json:"usuario,omitempty"`
	DataHora Text `json:"data_hora,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02",
}

// ParseTimestamp reads a remote timestamp. Values without a zone are
// facility-local.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func pick(current, legacy Text) string {
	if s := current.String(); s != "" {
		return s
	}
	return legacy.String()
}

// IsActive treats a missing flag as active; legacy rows never carried one.
func (r AllocationRow) IsActive() bool {
	return r.Active == nil || *r.Active
}

// Normalize converts the row into the canonical allocation.
func (r AllocationRow) Normalize(loc *time.Location) (models.Allocation, error) {
	addr, err := models.NormalizeAddressCode(pick(r.Address, r.Endereco))
	if err != nil {
		return models.Allocation{}, err
	}
	product := pick(r.ProductCode, r.Coddv)
	if product == "" {
		return models.Allocation{}, fmt.Errorf("allocation at %s has no product code", addr)
	}
	validity, err := models.ParseValidity(pick(r.Validity, r.Validade))
	if err != nil {
		return models.Allocation{}, err
	}
	at, err := ParseTimestamp(pick(r.AllocatedAt, r.DataHora), loc)
	if err != nil {
		return models.Allocation{}, err
	}
	return models.Allocation{
		Address:            addr,
		ProductCode:        product,
		ProductDescription: pick(r.ProductDescription, r.Desc),
		Validity:           validity,
		User:               pick(r.User, r.Usuario),
		AllocatedAt:        at,
		Active:             r.IsActive(),
		Barcode:            r.Barcode.String(),
		Lot:                r.Lot.String(),
	}, nil
}

// RowOf renders an allocation in the current row shape.
func RowOf(a models.Allocation) AllocationRow {
	active := a.Active
	row := AllocationRow{
		Address:            Text(a.Address),
		ProductCode:        Text(a.ProductCode),
		ProductDescription: Text(a.ProductDescription),
		Validity:           Text(a.Validity),
		User:               Text(a.User),
		Active:             &active,
		Barcode:            Text(a.Barcode),
		Lot:                Text(a.Lot),
	}
	if !a.AllocatedAt.IsZero() {
		row.AllocatedAt = Text(a.AllocatedAt.Format(time.RFC3339))
	}
	return row
}

// LegacyRowOf renders an allocation with the legacy column names. The
// legacy timestamp has no zone and is written in loc.
func LegacyRowOf(a models.Allocation, loc *time.Location) AllocationRow {
	if loc == nil {
		loc = time.UTC
	}
	row := AllocationRow{
		Endereco: Text(a.Address),
		Coddv:    Text(a.ProductCode),
		Desc:     Text(a.ProductDescription),
		Validade: Text(a.Validity),
		Usuario:  Text(a.User),
		Barcode:  Text(a.Barcode),
		Lot:      Text(a.Lot),
	}
	if !a.AllocatedAt.IsZero() {
		row.DataHora = Text(a.AllocatedAt.In(loc).Format("02/01/2006 15:04:05"))
	}
	return row
}
