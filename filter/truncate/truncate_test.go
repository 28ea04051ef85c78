package truncate

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func newBacked(t *testing.T, size uint64) *memory.Plugin {
	t.Helper()
	m, err := memory.New(params.Map{"allocator": "sparse", "size": strconv.FormatUint(size, 10)})
	require.NoError(t, err)
	t.Cleanup(m.CloseAllocator)
	ctx := context.Background()
	h, err := m.Open(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, m.Pwrite(ctx, h, []byte{1}, 0, false))
	_ = h
	return m
}

func TestTruncateShrinksDisplayedSize(t *testing.T) {
	m := newBacked(t, 1048576)
	ctx := context.Background()

	f := New(m, 1000, 0, 0)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	size, err := f.GetSize(ctx, h)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), size)
}

func TestTruncateRoundUp(t *testing.T) {
	m := newBacked(t, 1048576)
	ctx := context.Background()

	f := New(m, 1000, 4096, 0)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	size, err := f.GetSize(ctx, h)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), size)
}

func TestTruncateReadBeyondRealSizeIsZero(t *testing.T) {
	m := newBacked(t, 512)
	ctx := context.Background()

	f := New(m, 512, 0, 0)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	got := make([]byte, 16)
	require.NoError(t, f.Pread(ctx, h, got, 600))
	for _, b := range got {
		require.Zero(t, b)
	}
}

func TestTruncateWriteBeyondRealSizeRequiresZero(t *testing.T) {
	m := newBacked(t, 512)
	ctx := context.Background()

	f := New(m, 512, 0, 0)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	err = f.Pwrite(ctx, h, []byte("nonzero"), 600, false)
	require.Error(t, err)

	require.NoError(t, f.Pwrite(ctx, h, make([]byte, 7), 600, false))
}

func TestTruncateExtentsBeyondRealSizeReportHoleZero(t *testing.T) {
	m := newBacked(t, 512)
	ctx := context.Background()

	f := New(m, 512, 0, 0)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	var got []struct {
		off, length uint64
		flags       backend.ExtentFlag
	}
	sink := sinkFunc(func(off, length uint64, flags backend.ExtentFlag) error {
		got = append(got, struct {
			off, length uint64
			flags       backend.ExtentFlag
		}{off, length, flags})
		return nil
	})
	require.NoError(t, f.Extents(ctx, h, 200, 400, sink))
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.NotZero(t, last.flags&backend.ExtentHole)
	require.NotZero(t, last.flags&backend.ExtentZero)
}

type sinkFunc func(off, length uint64, flags backend.ExtentFlag) error

func (f sinkFunc) Add(off, length uint64, flags backend.ExtentFlag) error { return f(off, length, flags) }
