// Package nozero implements the nozero auxiliary filter: it withholds
// ZERO/FAST_ZERO and turns Zero calls into ordinary zero-byte writes,
// for exercising a plugin's Pwrite path on servers that would
// otherwise always take the zero fast path.
package nozero

import (
	"context"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
)

// Filter strips CanZero/CanFastZero and rewrites Zero as Pwrite.
type Filter struct {
	backend.Forwarder
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next, disabling its ZERO/FAST_ZERO capability.
func New(next backend.Backend) *Filter { return &Filter{backend.Forwarder{Next: next}} }

func (f *Filter) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	caps, err := f.Next.Caps(ctx, h)
	if err != nil {
		return 0, err
	}
	return caps &^ (backend.CanZero | backend.CanFastZero), nil
}

func (f *Filter) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	if fastOnly {
		return bkerr.New("nozero.Zero", bkerr.Unsupported)
	}
	buf := make([]byte, count)
	return f.Next.Pwrite(ctx, h, buf, off, fua)
}
