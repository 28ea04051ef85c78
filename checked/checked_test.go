package checked

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddU64Overflow(t *testing.T) {
	_, err := AddU64("t", math.MaxUint64, 1)
	require.Error(t, err)
}

func TestAddU64Ok(t *testing.T) {
	v, err := AddU64("t", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestMulU64Overflow(t *testing.T) {
	_, err := MulU64("t", math.MaxUint64, 2)
	require.Error(t, err)
}

func TestAddRangeRejectsPastMaxInt64(t *testing.T) {
	_, err := AddRange("t", math.MaxInt64, 2)
	require.Error(t, err)
}

func TestAlignUp(t *testing.T) {
	v, err := AlignUp("t", 10, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), v)

	v, err = AlignUp("t", 16, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), v)
}

func TestAlignUpRejectsNonPowerOfTwo(t *testing.T) {
	_, err := AlignUp("t", 10, 3)
	require.Error(t, err)
}

func TestIsPowerOf2(t *testing.T) {
	assert.True(t, IsPowerOf2(1))
	assert.True(t, IsPowerOf2(32768))
	assert.False(t, IsPowerOf2(0))
	assert.False(t, IsPowerOf2(3))
}
