package extentlist

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func TestParseSortsAndReadsTypes(t *testing.T) {
	entries, err := Parse(strings.NewReader("100 50 zero\n0 50\n# comment\n\n200 10 hole\n"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(0), entries[0].Offset)
	require.Equal(t, uint64(100), entries[1].Offset)
	require.Equal(t, backend.ExtentZero, entries[1].Flags)
	require.Equal(t, uint64(200), entries[2].Offset)
	require.Equal(t, backend.ExtentHole|backend.ExtentZero, entries[2].Flags)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("onlyonefield\n"))
	require.Error(t, err)
}

func TestFillGapsInsertsHoleZeroBetweenEntries(t *testing.T) {
	entries, err := Parse(strings.NewReader("0 10\n50 10\n"))
	require.NoError(t, err)

	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	f := New(m, entries)
	ctx := context.Background()
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
	require.NoError(t, f.Extents(ctx, h, 60, 0, sink))

	require.Len(t, got, 3)
	require.Equal(t, uint64(0), got[0].off)
	require.Equal(t, uint64(10), got[0].length)
	require.Zero(t, got[0].flags)

	require.Equal(t, uint64(10), got[1].off)
	require.Equal(t, uint64(40), got[1].length)
	require.Equal(t, backend.ExtentHole|backend.ExtentZero, got[1].flags)

	require.Equal(t, uint64(50), got[2].off)
	require.Equal(t, uint64(10), got[2].length)
}

type sinkFunc func(off, length uint64, flags backend.ExtentFlag) error

func (f sinkFunc) Add(off, length uint64, flags backend.ExtentFlag) error { return f(off, length, flags) }
