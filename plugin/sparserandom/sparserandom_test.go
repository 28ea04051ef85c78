package sparserandom

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
)

func TestReadsAreDeterministicAcrossInstances(t *testing.T) {
	mk := func() *Plugin {
		p, err := New(params.Map{"size": "1048576", "seed": "42"})
		require.NoError(t, err)
		return p
	}
	a, b := mk(), mk()
	ctx := context.Background()
	ha, _ := a.Open(ctx, "", false)
	hb, _ := b.Open(ctx, "", false)

	got1 := make([]byte, 4096)
	got2 := make([]byte, 4096)
	require.NoError(t, a.Pread(ctx, ha, got1, 0))
	require.NoError(t, b.Pread(ctx, hb, got2, 0))
	require.Equal(t, got1, got2)
}

func TestWriteAcceptsExpectedContentRejectsOther(t *testing.T) {
	p, err := New(params.Map{"size": "1048576", "seed": "7"})
	require.NoError(t, err)
	ctx := context.Background()
	h, _ := p.Open(ctx, "", false)

	buf := make([]byte, 4096)
	require.NoError(t, p.Pread(ctx, h, buf, 0))
	require.NoError(t, p.Pwrite(ctx, h, buf, 0, false))

	buf[0] ^= 0xff
	require.Error(t, p.Pwrite(ctx, h, buf, 0, false))
}

func TestNewRejectsZeroSize(t *testing.T) {
	_, err := New(params.Map{})
	require.Error(t, err)
}
