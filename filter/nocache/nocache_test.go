package nocache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/plugin/memory"
)

// cachingBackend reports CanCache so the test can observe it being
// stripped; memory.Plugin never advertises CanCache in the first
// place, so it can't exercise this path on its own.
type cachingBackend struct {
	backend.Forwarder
}

func (c *cachingBackend) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	caps, err := c.Forwarder.Caps(ctx, h)
	return caps | backend.CanCache, err
}

func TestNocacheStripsCacheCapability(t *testing.T) {
	m, err := memory.New(params.Map{"allocator": "malloc"})
	require.NoError(t, err)
	defer m.CloseAllocator()

	cb := &cachingBackend{backend.Forwarder{Next: m}}

	ctx := context.Background()
	f := New(cb)
	h, err := f.Open(ctx, "", false)
	require.NoError(t, err)

	rawCaps, err := cb.Caps(ctx, h)
	require.NoError(t, err)
	require.NotZero(t, rawCaps&backend.CanCache)

	caps, err := f.Caps(ctx, h)
	require.NoError(t, err)
	require.Zero(t, caps&backend.CanCache)

	require.NoError(t, f.Cache(ctx, h, 64, 0))
}
