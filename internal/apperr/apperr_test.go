package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKind(t *testing.T) {
	err := New(CapacityExceeded, "address %s is full", "PF01.001.001.A0T")

	assert.ErrorIs(t, err, CapacityExceeded)
	assert.NotErrorIs(t, err, DuplicateAllocation)
	assert.Equal(t, "capacity_exceeded: address PF01.001.001.A0T is full", err.Error())
}

func TestKindOfThroughWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	inner := Wrap(RemoteFailure, cause, "allocate")
	outer := fmt.Errorf("engine: %w", inner)

	assert.Equal(t, RemoteFailure, KindOf(outer))
	assert.ErrorIs(t, outer, cause)
	assert.True(t, IsTransient(outer))
	assert.Equal(t, Kind(""), KindOf(cause))
}

func TestClasses(t *testing.T) {
	cases := map[Kind]Class{
		CapacityExceeded:  ClassValidation,
		AlreadyAllocated:  ClassValidation,
		InvalidFormat:     ClassValidation,
		Timeout:           ClassRemote,
		RemoteRejected:    ClassRemote,
		LoadFailure:       ClassIntegrity,
		CacheInconsistent: ClassIntegrity,
		PermanentFailure:  ClassReplay,
		Kind("other"):     ClassUnknown,
	}
	for k, want := range cases {
		assert.Equal(t, want, ClassOf(k), "kind %s", k)
	}

	assert.False(t, IsTransient(New(RemoteRejected, "no")))
	assert.True(t, IsIntegrity(New(LoadFailure, "page 2")))
	assert.True(t, IsValidation(New(NotAllocated, "x")))
}

func TestDetails(t *testing.T) {
	err := New(AlreadyAllocated, "product 100005").With("addresses", []string{"PF01.001.001.A0T"})

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{"PF01.001.001.A0T"}, e.Details["addresses"])
}
