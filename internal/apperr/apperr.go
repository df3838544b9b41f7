// Package apperr is the error taxonomy shared by the cache, the allocation
// engine and the sync subsystem.
//
// Every failure surfaced to a caller is an *Error carrying a Kind. Kinds are
// themselves errors, so callers match with errors.Is:
//
//	if errors.Is(err, apperr.CapacityExceeded) { ... }
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a failure reason.
type Kind string

func (k Kind) Error() string { return string(k) }

// Validation kinds: raised before any network call, never retried.
const (
	CapacityExceeded    Kind = "capacity_exceeded"
	DuplicateAllocation Kind = "duplicate_allocation"
	AlreadyAllocated    Kind = "already_allocated"
	AddressNotFound     Kind = "address_not_found"
	AddressInactive     Kind = "address_inactive"
	AddressExists       Kind = "address_exists"
	NotAllocated        Kind = "not_allocated"
	InvalidFormat       Kind = "invalid_format"
)

// Remote kinds.
const (
	RemoteFailure  Kind = "remote_failure"
	Timeout        Kind = "timeout"
	RemoteRejected Kind = "remote_rejected"
)

// Integrity kinds: handled by a forced full reload.
const (
	LoadFailure       Kind = "load_failure"
	CacheInconsistent Kind = "cache_inconsistent"
)

// PermanentFailure marks a queued mutation that will not be replayed again.
const PermanentFailure Kind = "permanent_failure"

// Class groups kinds by how they propagate.
type Class string

const (
	ClassValidation Class = "validation"
	ClassRemote     Class = "remote"
	ClassIntegrity  Class = "integrity"
	ClassReplay     Class = "replay"
	ClassUnknown    Class = "unknown"
)

// ClassOf returns the class a kind belongs to.
func ClassOf(k Kind) Class {
	switch k {
	case CapacityExceeded, DuplicateAllocation, AlreadyAllocated, AddressNotFound,
		AddressInactive, AddressExists, NotAllocated, InvalidFormat:
		return ClassValidation
	case RemoteFailure, Timeout, RemoteRejected:
		return ClassRemote
	case LoadFailure, CacheInconsistent:
		return ClassIntegrity
	case PermanentFailure:
		return ClassReplay
	}
	return ClassUnknown
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	// Details carries structured context for the caller, e.g. the addresses
	// already holding a product for AlreadyAllocated.
	Details map[string]any
}

// New builds an error of kind k.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind k.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a Kind sentinel.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// With attaches a detail and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the outermost *Error in err's chain, or the
// empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// ClassOfErr is ClassOf(KindOf(err)).
func ClassOfErr(err error) Class {
	return ClassOf(KindOf(err))
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool { return ClassOfErr(err) == ClassValidation }

// IsTransient reports whether err is a remote failure worth retrying later.
// RemoteRejected is a business refusal and never transient.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == RemoteFailure || k == Timeout
}

// IsIntegrity reports whether err should force a full reload.
func IsIntegrity(err error) bool { return ClassOfErr(err) == ClassIntegrity }
