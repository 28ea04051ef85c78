package checkwrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func TestCheckwriteAcceptsMatchingWrite(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("same"), 0, false))

	f := New(m)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, f.Pwrite(ctx, h, []byte("same"), 0, false))
}

func TestCheckwriteRejectsMismatch(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	f := New(m)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)
	err = f.Pwrite(ctx, h, []byte("nonzero!"), 0, false)
	require.Error(t, err)
}

func TestCheckwriteZeroAcceptsEmptyRegion(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	f := New(m)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, f.Zero(ctx, h, 64, 0, false, false))
}
