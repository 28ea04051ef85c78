// Package checkwrite implements the checkwrite filter (spec.md
// §4.5.7): makes the backend read-only regardless of its own
// capability, and verifies every write/trim/zero against the data
// already present rather than applying it — a copy-fidelity checker,
// not a real write path.
package checkwrite

import (
	"context"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
)

// Filter is the checkwrite adapter.
type Filter struct {
	backend.Forwarder
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next as a checkwrite filter.
func New(next backend.Backend) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}}
}

func (f *Filter) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	caps, err := f.Next.Caps(ctx, h)
	if err != nil {
		return 0, err
	}
	// Read-only to the world: writes are verification-only.
	caps &^= backend.CanWrite
	caps |= backend.CanTrim | backend.CanZero | backend.CanFastZero
	return caps, nil
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	current := make([]byte, len(src))
	if err := f.Next.Pread(ctx, h, current, off); err != nil {
		return err
	}
	for i := range src {
		if current[i] != src[i] {
			return bkerr.At("checkwrite.Pwrite", bkerr.IOError, int64(off)+int64(i))
		}
	}
	return nil
}

// checkZero verifies [off, off+count) already reads as zero, using
// extent info when the backend can report it cheaply, else falling
// back to a full read-and-scan.
func (f *Filter) checkZero(ctx context.Context, h backend.Handle, count, off uint64) error {
	sawExtents := false
	allZero := true
	sink := extentCollector(func(eoff, elen uint64, fl backend.ExtentFlag) error {
		sawExtents = true
		if fl&backend.ExtentZero == 0 {
			allZero = false
		}
		return nil
	})
	if err := f.Next.Extents(ctx, h, count, off, sink); err == nil && sawExtents && allZero {
		return nil
	}

	buf := make([]byte, count)
	if err := f.Next.Pread(ctx, h, buf, off); err != nil {
		return err
	}
	for i, b := range buf {
		if b != 0 {
			return bkerr.At("checkwrite.write", bkerr.IOError, int64(off)+int64(i))
		}
	}
	return nil
}

type extentCollector func(off, length uint64, fl backend.ExtentFlag) error

func (e extentCollector) Add(off, length uint64, fl backend.ExtentFlag) error { return e(off, length, fl) }

func (f *Filter) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	return f.checkZero(ctx, h, count, off)
}

func (f *Filter) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	if fastOnly {
		return bkerr.New("checkwrite.Zero", bkerr.Unsupported)
	}
	return f.checkZero(ctx, h, count, off)
}

func (f *Filter) Flush(ctx context.Context, h backend.Handle) error { return nil }
