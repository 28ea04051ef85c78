package vddk

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
)

type fakeClient struct {
	buf    []byte
	closed bool
}

func (c *fakeClient) GetSize() (uint64, error) { return uint64(len(c.buf)), nil }

func (c *fakeClient) Read(dst []byte, off uint64) error {
	copy(dst, c.buf[off:])
	return nil
}

func (c *fakeClient) Write(src []byte, off uint64) error {
	copy(c.buf[off:], src)
	return nil
}

func (c *fakeClient) Flush() error { return nil }

func (c *fakeClient) CanExtents() bool { return true }

func (c *fakeClient) Extents(count, off uint64) ([]Extent, error) {
	return []Extent{{Offset: off, Length: count}}, nil
}

func (c *fakeClient) Close() error { c.closed = true; return nil }

func TestVddkWorkerRoundTrip(t *testing.T) {
	cl := &fakeClient{buf: make([]byte, 32)}
	stats := NewStats(prometheus.NewRegistry())
	p, err := New(func() (Client, error) { return cl, nil }, stats, params.Map{})
	require.NoError(t, err)

	ctx := context.Background()
	h, err := p.Open(ctx, "", false)
	require.NoError(t, err)

	require.NoError(t, p.Pwrite(ctx, h, []byte("hi"), 4, false))
	got := make([]byte, 2)
	require.NoError(t, p.Pread(ctx, h, got, 4))
	require.Equal(t, "hi", string(got))

	caps, err := p.Caps(ctx, h)
	require.NoError(t, err)
	require.NotZero(t, caps)

	require.NoError(t, p.Close(ctx, h))
	require.True(t, cl.closed)
}
