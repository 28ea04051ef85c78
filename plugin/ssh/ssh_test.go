package ssh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cznic/blockit/params"
)

func TestShQuoteEscapesSingleQuotes(t *testing.T) {
	require.Equal(t, `'it'\''s'`, shQuote("it's"))
	require.Equal(t, `'plain'`, shQuote("plain"))
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	_, err := New(params.Map{"host": "example.com:22", "user": "u", "path": "/tmp/x"})
	require.Error(t, err)
}

func TestNewRejectsMissingPath(t *testing.T) {
	_, err := New(params.Map{"host": "example.com:22", "user": "u", "password": "p"})
	require.Error(t, err)
}

func TestNewAcceptsPasswordAuth(t *testing.T) {
	p, err := New(params.Map{"host": "example.com:22", "user": "u", "path": "/tmp/x", "password": "p"})
	require.NoError(t, err)
	require.Equal(t, "example.com:22", p.addr)
	require.Equal(t, "/tmp/x", p.path)
}
