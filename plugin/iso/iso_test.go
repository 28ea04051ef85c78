package iso

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
)

func TestNewRejectsMissingDir(t *testing.T) {
	_, err := New(params.Map{})
	require.Error(t, err)
}

func TestNewSplitsCommaSeparatedSources(t *testing.T) {
	p, err := New(params.Map{"dir": "/a,/b,/c"})
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/b", "/c"}, p.sources)
	require.Equal(t, "xorriso", p.genCmd)
}

func TestNewAcceptsAlternateGenerator(t *testing.T) {
	p, err := New(params.Map{"dir": "/a", "generator": "mkisofs", "args": "-quiet -v"})
	require.NoError(t, err)
	require.Equal(t, "mkisofs", p.genCmd)
	require.Equal(t, []string{"-quiet", "-v"}, p.genArgs)
}

func TestSplitSpaceHandlesTabsAndMultipleSpaces(t *testing.T) {
	require.Equal(t, []string{"-a", "-b", "-c"}, splitSpace(" -a  -b\t-c "))
	require.Nil(t, splitSpace(""))
	require.Nil(t, splitSpace("   "))
}

func TestBlockSizeReportsIsoGranularity(t *testing.T) {
	p, err := New(params.Map{"dir": "/a"})
	require.NoError(t, err)
	min, pref, max, err := p.BlockSize(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), min)
	require.Equal(t, uint32(2048), pref)
	require.Equal(t, uint32(0xffffffff), max)
}

func TestPwriteUnsupported(t *testing.T) {
	p, err := New(params.Map{"dir": "/a"})
	require.NoError(t, err)
	err = p.Pwrite(nil, p, make([]byte, 1), 0, false)
	require.Error(t, err)
}
