package blkio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
)

type fakeDevice struct {
	buf    []byte
	bounce bool
	flushes int
}

func (d *fakeDevice) Size() (uint64, error) { return uint64(len(d.buf)), nil }

func (d *fakeDevice) ReadAt(dst []byte, off uint64) error {
	copy(dst, d.buf[off:])
	return nil
}

func (d *fakeDevice) WriteAt(src []byte, off uint64) error {
	copy(d.buf[off:], src)
	return nil
}

func (d *fakeDevice) Flush() error { d.flushes++; return nil }

func (d *fakeDevice) NeedsBounceBuffer() bool { return d.bounce }

func (d *fakeDevice) Close() error { return nil }

func TestBlkioReadWriteDirect(t *testing.T) {
	dev := &fakeDevice{buf: make([]byte, 64)}
	p, err := New(dev, params.Map{})
	require.NoError(t, err)

	ctx := context.Background()
	h, err := p.Open(ctx, "", false)
	require.NoError(t, err)

	require.NoError(t, p.Pwrite(ctx, h, []byte("hello"), 8, true))
	require.Equal(t, 1, dev.flushes)

	got := make([]byte, 5)
	require.NoError(t, p.Pread(ctx, h, got, 8))
	require.Equal(t, "hello", string(got))
}

func TestBlkioReadWriteViaBounceBuffer(t *testing.T) {
	dev := &fakeDevice{buf: make([]byte, 64), bounce: true}
	p, err := New(dev, params.Map{})
	require.NoError(t, err)

	ctx := context.Background()
	h, err := p.Open(ctx, "", false)
	require.NoError(t, err)

	require.NoError(t, p.Pwrite(ctx, h, []byte("world"), 0, false))
	got := make([]byte, 5)
	require.NoError(t, p.Pread(ctx, h, got, 0))
	require.Equal(t, "world", string(got))
	require.NoError(t, p.Close(ctx, h))
}

func TestBlkioRejectsOversizeRequest(t *testing.T) {
	dev := &fakeDevice{buf: make([]byte, 64)}
	p, err := New(dev, params.Map{})
	require.NoError(t, err)
	ctx := context.Background()
	h, _ := p.Open(ctx, "", false)
	require.Error(t, p.Pwrite(ctx, h, make([]byte, maxRequest+1), 0, false))
}
