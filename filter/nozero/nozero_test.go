package nozero

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func TestNozeroStripsZeroCapability(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	f := New(m)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	caps, err := f.Caps(ctx, h)
	require.NoError(t, err)
	require.Zero(t, caps&backend.CanZero)
	require.Zero(t, caps&backend.CanFastZero)
}

func TestNozeroRewritesZeroAsWrite(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("abcdef"), 0, false))

	f := New(m)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, f.Zero(ctx, h, 6, 0, false, false))

	got := make([]byte, 6)
	require.NoError(t, m.Pread(ctx, h0, got, 0))
	for _, b := range got {
		require.Zero(t, b)
	}
}

func TestNozeroFastOnlyFails(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	f := New(m)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	err = f.Zero(ctx, h, 6, 0, true, false)
	require.Error(t, err)
}
