package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
)

func testAllocatorRoundTrip(t *testing.T, a Allocator) {
	t.Helper()
	require.NoError(t, a.Write([]byte("hello"), 10))
	got := make([]byte, 5)
	require.NoError(t, a.Read(got, 10))
	assert.Equal(t, "hello", string(got))

	// Reads past the high-water mark return zero without extending.
	tail := make([]byte, 8)
	for i := range tail {
		tail[i] = 0xff
	}
	require.NoError(t, a.Read(tail, 1000))
	assert.Equal(t, make([]byte, 8), tail)

	require.NoError(t, a.Fill('x', 4, 100))
	buf := make([]byte, 4)
	require.NoError(t, a.Read(buf, 100))
	assert.Equal(t, "xxxx", string(buf))

	require.NoError(t, a.Zero(4, 100))
	require.NoError(t, a.Read(buf, 100))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestMallocRoundTrip(t *testing.T) {
	a, err := NewMalloc(params.Map{})
	require.NoError(t, err)
	defer a.Close()
	testAllocatorRoundTrip(t, a)
}

func TestSparseRoundTrip(t *testing.T) {
	a, err := NewSparse(params.Map{})
	require.NoError(t, err)
	defer a.Close()
	testAllocatorRoundTrip(t, a)
}

func TestZstdRoundTrip(t *testing.T) {
	a, err := NewZstd(params.Map{})
	require.NoError(t, err)
	defer a.Close()
	testAllocatorRoundTrip(t, a)
}

func TestSparseSpansMultiplePages(t *testing.T) {
	a, err := NewSparse(params.Map{})
	require.NoError(t, err)
	defer a.Close()

	src := make([]byte, sparsePageSize*3+17)
	for i := range src {
		src[i] = byte(i)
	}
	require.NoError(t, a.Write(src, sparsePageSize-5))

	dst := make([]byte, len(src))
	require.NoError(t, a.Read(dst, sparsePageSize-5))
	assert.Equal(t, src, dst)
}

func TestSparseZeroReleasesPage(t *testing.T) {
	a, err := NewSparse(params.Map{})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Write([]byte("data"), 0))
	require.NoError(t, a.Zero(sparsePageSize, 0))

	e, _ := a.findL1(0)
	require.NotNil(t, e)
	assert.Nil(t, e.l2[0])
}

func TestBlitRejectsSameAllocator(t *testing.T) {
	a, err := NewMalloc(params.Map{})
	require.NoError(t, err)
	defer a.Close()
	err = Blit(a, a, 10, 0, 0)
	require.Error(t, err)
}

func TestBlitCopiesAcrossAllocators(t *testing.T) {
	src, err := NewMalloc(params.Map{})
	require.NoError(t, err)
	defer src.Close()
	dst, err := NewSparse(params.Map{})
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, src.Write([]byte("payload"), 5))
	require.NoError(t, Blit(src, dst, 7, 5, 100))

	got := make([]byte, 7)
	require.NoError(t, dst.Read(got, 100))
	assert.Equal(t, "payload", string(got))
}

func TestExtentsOverEmptyRegion(t *testing.T) {
	a, err := NewSparse(params.Map{})
	require.NoError(t, err)
	defer a.Close()

	var sink ExtentList
	require.NoError(t, a.Extents(1024, 0, &sink))
	require.Len(t, sink.Items, 1)
	assert.True(t, sink.Items[0].Flags&ExtentHole != 0)
}

func TestCreateUnknownAllocator(t *testing.T) {
	_, err := Create("bogus", params.Map{})
	require.Error(t, err)
}

func TestCreateDispatch(t *testing.T) {
	for _, typ := range []string{"malloc", "sparse", "zstd"} {
		a, err := Create(typ, params.Map{})
		require.NoError(t, err, typ)
		require.NoError(t, a.Close())
	}
}
