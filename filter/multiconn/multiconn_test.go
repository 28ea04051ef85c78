package multiconn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func TestFlushEmulatesGroupWide(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	f := New(m, Emulate, false)
	ctx := context.Background()

	h1, err := f.Open(ctx, "", false)
	require.NoError(t, err)
	h2, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	require.NoError(t, f.Pwrite(ctx, h1, []byte("x"), 0, false))
	require.NoError(t, f.Pwrite(ctx, h2, []byte("y"), 1, false))

	require.NoError(t, f.Flush(ctx, h1))

	ch1 := h1.(*connHandle)
	ch2 := h2.(*connHandle)
	assert.Equal(t, dirtyMask(0), ch1.dirty)
	assert.Equal(t, dirtyMask(0), ch2.dirty)
}
