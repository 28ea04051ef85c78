package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/params"
)

func TestMemoryPluginReadWrite(t *testing.T) {
	p, err := New(params.Map{"allocator": "sparse"})
	require.NoError(t, err)
	defer p.CloseAllocator()

	ctx := context.Background()
	h, err := p.Open(ctx, "", false)
	require.NoError(t, err)

	require.NoError(t, p.Pwrite(ctx, h, []byte("abc"), 10, false))
	got := make([]byte, 3)
	require.NoError(t, p.Pread(ctx, h, got, 10))
	assert.Equal(t, "abc", string(got))

	size, err := p.GetSize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), size) // no fixed size configured: high-water mark 10+3
}

func TestMemoryPluginFixedSizeRejectsOverrun(t *testing.T) {
	p, err := New(params.Map{"size": "16"})
	require.NoError(t, err)
	defer p.CloseAllocator()

	ctx := context.Background()
	h, err := p.Open(ctx, "", false)
	require.NoError(t, err)

	err = p.Pwrite(ctx, h, make([]byte, 8), 10, false)
	require.Error(t, err)

	size, err := p.GetSize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), size)
}

func TestMemoryPluginExtents(t *testing.T) {
	p, err := New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer p.CloseAllocator()

	ctx := context.Background()
	h, _ := p.Open(ctx, "", false)
	require.NoError(t, p.Pwrite(ctx, h, []byte("x"), 0, false))

	var got []struct {
		off, len uint64
		fl       backend.ExtentFlag
	}
	sink := sinkFunc(func(off, length uint64, fl backend.ExtentFlag) error {
		got = append(got, struct {
			off, len uint64
			fl       backend.ExtentFlag
		}{off, length, fl})
		return nil
	})
	require.NoError(t, p.Extents(ctx, h, 100, 0, sink))
	require.NotEmpty(t, got)
}

type sinkFunc func(off, length uint64, fl backend.ExtentFlag) error

func (f sinkFunc) Add(off, length uint64, fl backend.ExtentFlag) error { return f(off, length, fl) }
