package cow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func newTestFilter(t *testing.T) (*Filter, backend.Handle, context.Context) {
	t.Helper()
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAllocator() })

	ctx := context.Background()
	// Seed the backing store so not-allocated reads see real content.
	h0, err := m.Open(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("origin"), 0, false))

	f, err := New(m, 4096, false)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close(ctx, nil) })

	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)
	return f, h, ctx
}

func TestCowReadFromOriginWhenNotAllocated(t *testing.T) {
	f, h, ctx := newTestFilter(t)
	got := make([]byte, 6)
	require.NoError(t, f.Pread(ctx, h, got, 0))
	assert.Equal(t, "origin", string(got))
}

func TestCowWriteThenReadFromOverlay(t *testing.T) {
	f, h, ctx := newTestFilter(t)
	require.NoError(t, f.Pwrite(ctx, h, []byte("OVERLAY"), 0, false))
	got := make([]byte, 7)
	require.NoError(t, f.Pread(ctx, h, got, 0))
	assert.Equal(t, "OVERLAY", string(got))
}

func TestCowTrimThenReadsZero(t *testing.T) {
	f, h, ctx := newTestFilter(t)
	require.NoError(t, f.Pwrite(ctx, h, []byte("data-here"), 0, false))
	require.NoError(t, f.Trim(ctx, h, 4096, 0, false))
	got := make([]byte, 9)
	require.NoError(t, f.Pread(ctx, h, got, 0))
	assert.Equal(t, make([]byte, 9), got)
}

func TestCowUnalignedWriteRMW(t *testing.T) {
	f, h, ctx := newTestFilter(t)
	require.NoError(t, f.Pwrite(ctx, h, []byte("XY"), 2, false))
	got := make([]byte, 6)
	require.NoError(t, f.Pread(ctx, h, got, 0))
	assert.Equal(t, "orXYin", string(got))
}

// TestCowOnReadUnalignedWriteDoesNotDeadlock exercises the RMW path
// with cow-on-read enabled: the read half of the read-modify-write
// must not try to re-acquire rmwMu, which Pwrite already holds.
func TestCowOnReadUnalignedWriteDoesNotDeadlock(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "1048576"})
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAllocator() })

	ctx := context.Background()
	h0, err := m.Open(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("origin"), 0, false))

	f, err := New(m, 4096, true)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close(ctx, nil) })

	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, f.Pwrite(ctx, h, []byte("XY"), 2, false))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Pwrite deadlocked under cow-on-read")
	}

	got := make([]byte, 6)
	require.NoError(t, f.Pread(ctx, h, got, 0))
	assert.Equal(t, "orXYin", string(got))
}
