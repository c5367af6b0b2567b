package allocator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRange(t *testing.T) *Range {
	t.Helper()
	r, err := NewRange("10.50.0.0/24", 3, 254)
	require.NoError(t, err)
	return r
}

func TestAllocate_FirstFreeWins(t *testing.T) {
	r := mustRange(t)
	addr, err := r.Allocate(map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, "10.50.0.3", addr)
}

func TestAllocate_SkipsUsed(t *testing.T) {
	r := mustRange(t)
	used := map[string]bool{"10.50.0.3": true, "10.50.0.4": true}
	addr, err := r.Allocate(used)
	require.NoError(t, err)
	assert.Equal(t, "10.50.0.5", addr)
}

func TestAllocate_OnlyLastFree(t *testing.T) {
	r := mustRange(t)
	used := map[string]bool{}
	for i := 3; i < 254; i++ {
		used[r.hostAddress(i)] = true
	}
	addr, err := r.Allocate(used)
	require.NoError(t, err)
	assert.Equal(t, "10.50.0.254", addr)
}

func TestAllocate_Exhausted(t *testing.T) {
	r := mustRange(t)
	used := map[string]bool{}
	for i := r.Start; i <= r.End; i++ {
		used[r.hostAddress(i)] = true
	}
	_, err := r.Allocate(used)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
}
