package models

import "time"

// Operation names a state-changing call that can be deferred while offline.
type Operation string

const (
	OpAllocate        Operation = "allocate"
	OpAddAdditional   Operation = "addAdditional"
	OpTransfer        Operation = "transfer"
	OpDeallocate      Operation = "deallocate"
	OpRegisterAddress Operation = "registerAddress"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpAllocate, OpAddAdditional, OpTransfer, OpDeallocate, OpRegisterAddress:
		return true
	}
	return false
}

// MutationPayload carries the arguments of any operation. Fields that an
// operation does not use are left empty.
type MutationPayload struct {
	Address            string    `json:"address"`
	DestinationAddress string    `json:"destination_address,omitempty"`
	ProductCode        string    `json:"product_code,omitempty"`
	ProductDescription string    `json:"product_description,omitempty"`
	Validity           Validity  `json:"validity,omitempty"`
	AllowMultiple      bool      `json:"allow_multiple,omitempty"`
	Barcode            string    `json:"barcode,omitempty"`
	Lot                string    `json:"lot,omitempty"`
	User               string    `json:"user,omitempty"`
	AddressDescription string    `json:"address_description,omitempty"`
	At                 time.Time `json:"at"`
	// ClearLegacyIndex asks the server to drop the single-address product
	// index because this deallocation removes the product's last address.
	ClearLegacyIndex bool `json:"clear_legacy_index,omitempty"`
}

// OfflineMutation is a mutation recorded while the remote store was
// unreachable, waiting for replay.
type OfflineMutation struct {
	ID         string          `json:"id"`
	Operation  Operation       `json:"operation"`
	Payload    MutationPayload `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// Allocation returns the allocation this mutation creates at addr.
func (m OfflineMutation) Allocation(addr string) Allocation {
	return Allocation{
		Address:            addr,
		ProductCode:        m.Payload.ProductCode,
		ProductDescription: m.Payload.ProductDescription,
		Validity:           m.Payload.Validity,
		User:               m.Payload.User,
		AllocatedAt:        m.Payload.At,
		Active:             true,
		Barcode:            m.Payload.Barcode,
		Lot:                m.Payload.Lot,
	}
}

// PermanentFailure is a mutation that will never be replayed again. It is
// kept for operators instead of being dropped silently.
type PermanentFailure struct {
	Mutation OfflineMutation `json:"mutation"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failed_at"`
}
