package scan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

func TestScanDoesNotBreakReads(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "sparse", "size": "65536"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	ctx := context.Background()
	h0, _ := m.Open(ctx, "", false)
	require.NoError(t, m.Pwrite(ctx, h0, []byte("hello"), 0, false))

	f := New(m)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	got := make([]byte, 5)
	require.NoError(t, f.Pread(ctx, h, got, 0))
	require.Equal(t, "hello", string(got))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f.Close(ctx, h))
}
