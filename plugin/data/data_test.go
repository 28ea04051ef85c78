package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
)

func TestDataPluginServesCompiledExpression(t *testing.T) {
	p, err := New(params.Map{"expr": `0x41 0x42*3`})
	require.NoError(t, err)
	defer p.CloseAllocator()

	ctx := context.Background()
	h, err := p.Open(ctx, "", true)
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, h))

	size, err := p.GetSize(ctx, h)
	require.NoError(t, err)
	require.EqualValues(t, 4, size)

	got := make([]byte, 4)
	require.NoError(t, p.Pread(ctx, h, got, 0))
	require.Equal(t, []byte{0x41, 0x42, 0x42, 0x42}, got)

	require.Error(t, p.Pwrite(ctx, h, []byte{0}, 0, false))
}

func TestDataPluginResolvesDollarParam(t *testing.T) {
	p, err := New(params.Map{"expr": `$greeting`, "greeting": "hi"})
	require.NoError(t, err)
	defer p.CloseAllocator()

	ctx := context.Background()
	h, _ := p.Open(ctx, "", true)
	got := make([]byte, 2)
	require.NoError(t, p.Pread(ctx, h, got, 0))
	require.Equal(t, []byte("hi"), got)
}

func TestDataPluginRejectsMissingExpr(t *testing.T) {
	_, err := New(params.Map{})
	require.Error(t, err)
}
