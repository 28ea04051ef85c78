package blocksize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func TestBlocksizeUnalignedRoundTrip(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	f := New(m, 512, 0)
	ctx := context.Background()
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, f.Pwrite(ctx, h, payload, 100, false))

	got := make([]byte, 1000)
	require.NoError(t, f.Pread(ctx, h, got, 100))
	assert.Equal(t, payload, got)
}

func TestBlocksizeAnnouncesMinimum(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	f := New(m, 512, 0)
	min, pref, max, err := f.BlockSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), min)
	assert.GreaterOrEqual(t, pref, uint32(512))
	assert.Equal(t, uint32(0xffffffff), max)
}
