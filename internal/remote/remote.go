// Package remote defines the contract of the authoritative store that owns
// addresses and allocations, and the row shapes it returns.
package remote

import (
	"context"
	"errors"
	"net"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
)

// Procedure names. Each one is atomic on the server.
const (
	ProcAllocate        = "allocate"
	ProcAddAdditional   = "add_additional"
	ProcTransfer        = "transfer"
	ProcDeallocate      = "deallocate"
	ProcRegisterAddress = "register_address"
)

// Params are the named arguments of a procedure call.
type Params map[string]any

// Result is whatever a procedure returns; callers mostly ignore it and
// reload instead.
type Result map[string]any

// Store is the remote system of record. Pages are zero-based; a page shorter
// than pageSize is the last one.
type Store interface {
	LoadAddresses(ctx context.Context, facilityID string, page, pageSize int) ([]models.Address, error)
	LoadAllocations(ctx context.Context, facilityID string, page, pageSize int) ([]AllocationRow, error)
	CallProcedure(ctx context.Context, name string, params Params) (Result, error)
	QueryLiveStatus(ctx context.Context, productCode, facilityID string) ([]AllocationRow, error)
	Ping(ctx context.Context) error
}

// CounterStore holds the shared usage counters. FetchCounter returns nil
// with no error when the key does not exist remotely.
type CounterStore interface {
	FetchCounter(ctx context.Context, key string) (*models.UsageCounter, error)
	StoreCounter(ctx context.Context, counter *models.UsageCounter) error
}

// LabelLogStore holds label print records per facility.
type LabelLogStore interface {
	FetchLabelEntries(ctx context.Context, facilityID string) ([]models.LabelLogEntry, error)
	StoreLabelEntry(ctx context.Context, facilityID string, entry *models.LabelLogEntry) error
}

// Classify maps a transport error onto the remote kinds. Errors that are
// already classified pass through unchanged.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Timeout, err, "%s", op)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.Wrap(apperr.Timeout, err, "%s", op)
	}
	return apperr.Wrap(apperr.RemoteFailure, err, "%s", op)
}

// Reject builds the error a server returns when it refuses a procedure for
// a business reason. code is usually a validation kind.
func Reject(code apperr.Kind, format string, args ...any) *apperr.Error {
	return apperr.New(apperr.RemoteRejected, format, args...).With("code", string(code))
}

// RejectionKind returns the validation kind carried by a RemoteRejected
// error, or RemoteRejected when the server gave no usable code.
func RejectionKind(err error) apperr.Kind {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.RemoteRejected {
		return apperr.KindOf(err)
	}
	code, _ := ae.Details["code"].(string)
	if k := apperr.Kind(code); apperr.ClassOf(k) == apperr.ClassValidation {
		return k
	}
	return apperr.RemoteRejected
}
