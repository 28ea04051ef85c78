package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLenContiguous(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.AppendLen("boot", 512, 0, 0, Zero, 0, nil))
	require.NoError(t, tbl.AppendLen("data", 1024, 0, 0, File, 1, nil))

	assert.Equal(t, uint64(1536), tbl.VirtualSize())
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, uint64(0), tbl.At(0).Start)
	assert.Equal(t, uint64(511), tbl.At(0).End)
	assert.Equal(t, uint64(512), tbl.At(1).Start)
}

func TestAppendLenInsertsAlignmentPadding(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.AppendLen("small", 10, 0, 0, Zero, 0, nil))
	require.NoError(t, tbl.AppendLen("aligned", 100, 512, 0, File, 0, nil))

	// Padding region plus the aligned region.
	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, Zero, tbl.At(1).Type)
	assert.Equal(t, uint64(512), tbl.At(2).Start)
}

func TestFindBinarySearch(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.AppendLen("a", 100, 0, 0, Zero, 0, nil))
	require.NoError(t, tbl.AppendLen("b", 100, 0, 0, File, 2, nil))

	r, ok := tbl.Find(150)
	require.True(t, ok)
	assert.Equal(t, File, r.Type)
	assert.Equal(t, 2, r.Index)

	_, ok = tbl.Find(1000)
	assert.False(t, ok)
}

func TestAppendLenRejectsZeroLength(t *testing.T) {
	tbl := NewTable()
	require.Error(t, tbl.AppendLen("empty", 0, 0, 0, Zero, 0, nil))
}

func TestVirtualSizeEmpty(t *testing.T) {
	tbl := NewTable()
	assert.Equal(t, uint64(0), tbl.VirtualSize())
}
