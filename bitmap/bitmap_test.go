package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	b, err := New(4096, 2)
	require.NoError(t, err)
	require.NoError(t, b.Resize(4096*10))

	b.SetBlock(3, 2)
	assert.Equal(t, uint8(2), b.GetBlock(3, 0))
	assert.Equal(t, uint8(0), b.GetBlock(4, 9))
}

func TestSetOutOfRangeIgnored(t *testing.T) {
	b, err := New(4096, 1)
	require.NoError(t, err)
	require.NoError(t, b.Resize(4096))
	b.SetBlock(100, 1) // out of range; must not panic
	assert.Equal(t, uint8(7), b.GetBlock(100, 7))
}

func TestResizeZeroExtends(t *testing.T) {
	b, err := New(512, 4)
	require.NoError(t, err)
	require.NoError(t, b.Resize(512*2))
	b.SetBlock(1, 5)
	require.NoError(t, b.Resize(512*20))
	assert.Equal(t, uint8(5), b.GetBlock(1, 0))
	assert.Equal(t, uint8(0), b.GetBlock(15, 9))
}

func TestNextNonZero(t *testing.T) {
	b, err := New(1, 1)
	require.NoError(t, err)
	require.NoError(t, b.Resize(64))
	b.SetBlock(40, 1)
	assert.Equal(t, int64(40), b.NextNonZero(0))
	assert.Equal(t, int64(40), b.NextNonZero(40))
	assert.Equal(t, int64(-1), b.NextNonZero(41))
}

func TestNextNonZeroAllZero(t *testing.T) {
	b, err := New(1, 1)
	require.NoError(t, err)
	require.NoError(t, b.Resize(1024))
	assert.Equal(t, int64(-1), b.NextNonZero(0))
}

func TestInvalidBitsPerBlock(t *testing.T) {
	_, err := New(4096, 3)
	require.Error(t, err)
}
