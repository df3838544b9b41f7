package backstop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQuota(t *testing.T) {
	m := NewMemory(10)
	require.NoError(t, m.Set("a", "12345"))
	require.NoError(t, m.Set("a", "1234567890"), "overwrite counts only the new value")

	err := m.Set("b", "x")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	_, ok, _ := m.Get("b")
	assert.False(t, ok)

	require.NoError(t, m.Remove("a"))
	require.NoError(t, m.Set("b", "x"))
	assert.Equal(t, []string{"b"}, m.Keys())
}

func TestJSONHelpers(t *testing.T) {
	m := NewMemory(0)
	var got []int
	found, err := GetJSON(m, KeyQueue, &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(m, KeyQueue, []int{1, 2, 3}))
	found, err = GetJSON(m, KeyQueue, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int{1, 2, 3}, got)

	require.NoError(t, m.Set(KeyAudit, "{not json"))
	_, err = GetJSON(m, KeyAudit, &got)
	assert.Error(t, err)
}
