package protect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func TestParseAndMerge(t *testing.T) {
	rs, err := Parse([]string{"0-99", "100-199"})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, uint64(0), rs[0].Start)
	assert.Equal(t, uint64(199), rs[0].End)
}

func TestParseNegation(t *testing.T) {
	rs, err := Parse([]string{"0-199", "~50-99"})
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, Range{0, 49}, rs[0])
	assert.Equal(t, Range{100, 199}, rs[1])
}

func TestProtectRejectsMismatchedWrite(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("origin"), 0, false))

	f := New(m, []Range{{0, 5}})
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	err = f.Pwrite(ctx, h, []byte("CHANGE"), 0, false)
	require.Error(t, err)
}

func TestProtectAllowsIdenticalWrite(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("origin"), 0, false))

	f := New(m, []Range{{0, 5}})
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	require.NoError(t, f.Pwrite(ctx, h, []byte("origin"), 0, false))
}

func TestProtectAllowsChangeOutsideGuardedSubRange(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("origin"), 0, false))

	// Guard only byte 0; a write spanning bytes [0,6) may freely change
	// the unprotected bytes [1,6) as long as byte 0 itself is unchanged.
	f := New(m, []Range{{0, 0}})
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	require.NoError(t, f.Pwrite(ctx, h, []byte("oCHANGE"[:6]), 0, false))
}

func TestProtectRejectsChangeInsideGuardedSubRange(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("origin"), 0, false))

	// Guard byte 0 only; changing it (even alongside unprotected bytes
	// that also change) must still be rejected.
	f := New(m, []Range{{0, 0}})
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	err = f.Pwrite(ctx, h, []byte("XCHANGE"[:6]), 0, false)
	require.Error(t, err)
}
