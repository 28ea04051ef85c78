package ddrescue

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

const mapfile = "" +
	"# comment line\n" +
	"0x00000000 0x00000020 +\n" +
	"0x00000020 0x00000020 -\n" +
	"0x00000040 0x00000020 +\n"

func TestParseMapfileSortsRuns(t *testing.T) {
	runs, err := ParseMapfile(strings.NewReader(mapfile))
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, byte('+'), runs[0].Status)
	require.Equal(t, byte('-'), runs[1].Status)
	require.Equal(t, byte('+'), runs[2].Status)
}

func TestReadWithinRescuedRunSucceeds(t *testing.T) {
	runs, err := ParseMapfile(strings.NewReader(mapfile))
	require.NoError(t, err)

	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("0123456789"), 0, false))

	f := New(m, runs)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	got := make([]byte, 10)
	require.NoError(t, f.Pread(ctx, h, got, 0))
	require.Equal(t, []byte("0123456789"), got)
}

func TestReadCrossingUnmappedRegionFails(t *testing.T) {
	runs, err := ParseMapfile(strings.NewReader(mapfile))
	require.NoError(t, err)

	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	f := New(m, runs)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	got := make([]byte, 10)
	err = f.Pread(ctx, h, got, 0x1c)
	require.Error(t, err)
}

func TestReadInNotTriedRunFails(t *testing.T) {
	runs, err := ParseMapfile(strings.NewReader(mapfile))
	require.NoError(t, err)

	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	f := New(m, runs)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	got := make([]byte, 4)
	err = f.Pread(ctx, h, got, 0x20)
	require.Error(t, err)
}
