package gzip

import (
	"bytes"
	"context"
	gz "compress/gzip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func compress(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gz.NewWriter(&buf)
	_, err := w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestGzipInflatesOnFirstPrepare(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")
	compressed := compress(t, plain)

	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, err := m.Open(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, m.Pwrite(ctx, h0, compressed, 0, false))

	f := New(m)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, f.Prepare(ctx, h))

	size, err := f.GetSize(ctx, h)
	require.NoError(t, err)
	require.Equal(t, uint64(len(plain)), size)

	got := make([]byte, len(plain))
	require.NoError(t, f.Pread(ctx, h, got, 0))
	require.Equal(t, plain, got)
}

func TestGzipSubsequentPrepareIsNoop(t *testing.T) {
	plain := []byte("repeat content")
	compressed := compress(t, plain)

	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, compressed, 0, false))

	f := New(m)
	h, _ := f.Open(ctx, "", false)
	require.NoError(t, f.Prepare(ctx, h))
	require.NoError(t, f.Prepare(ctx, h))

	size, err := f.GetSize(ctx, h)
	require.NoError(t, err)
	require.Equal(t, uint64(len(plain)), size)
}

func TestGzipRejectsWrite(t *testing.T) {
	plain := []byte("immutable")
	compressed := compress(t, plain)

	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, compressed, 0, false))

	f := New(m)
	h, _ := f.Open(ctx, "", false)
	require.NoError(t, f.Prepare(ctx, h))

	err = f.Pwrite(ctx, h, []byte("x"), 0, false)
	require.Error(t, err)

	caps, err := f.Caps(ctx, h)
	require.NoError(t, err)
	require.Zero(t, caps&backend.CanWrite)
	require.NotZero(t, caps&backend.CacheNative)
}
