// Package nocache implements the nocache auxiliary filter: it simply
// withholds the CACHE capability and turns Cache into a no-op, for
// disabling read-ahead/caching layers upstream of a backend that
// cannot service .cache cheaply.
package nocache

import (
	"context"

	"github.com/cznic/blockit/backend"
)

// Filter strips CanCache from the wrapped backend's capabilities.
type Filter struct {
	backend.Forwarder
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next, disabling its CACHE capability.
func New(next backend.Backend) *Filter { return &Filter{backend.Forwarder{Next: next}} }

func (f *Filter) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	caps, err := f.Next.Caps(ctx, h)
	if err != nil {
		return 0, err
	}
	return caps &^ backend.CanCache, nil
}

func (f *Filter) Cache(ctx context.Context, h backend.Handle, count, off uint64) error { return nil }
