// Package truncate implements the truncate/round filter (spec.md
// §4.5.5): on open it snapshots the backend's real size and computes
// a displayed size from (truncate, round-up, round-down) parameters;
// every read/write is split at the real-size boundary, with the
// portion beyond it reading as zero and required to be zero on write.
package truncate

import (
	"bytes"
	"context"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
)

// Filter is the truncate/round adapter.
type Filter struct {
	backend.Forwarder

	truncate  uint64 // 0 = unset
	roundUp   uint64 // 0 = unset
	roundDown uint64 // 0 = unset

	realSize uint64
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next. truncate, if nonzero, caps the displayed size
// before rounding. roundUp/roundDown, if nonzero, round the (possibly
// truncated) size up or down to that multiple.
func New(next backend.Backend, truncateSize, roundUp, roundDown uint64) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}, truncate: truncateSize, roundUp: roundUp, roundDown: roundDown}
}

func (f *Filter) Open(ctx context.Context, export string, readonly bool) (backend.Handle, error) {
	h, err := f.Next.Open(ctx, export, readonly)
	if err != nil {
		return nil, err
	}
	real, err := f.Next.GetSize(ctx, h)
	if err != nil {
		return nil, err
	}
	f.realSize = real
	return h, nil
}

// displayed computes the size shown to callers from realSize.
func (f *Filter) displayed() uint64 {
	size := f.realSize
	if f.truncate != 0 && f.truncate < size {
		size = f.truncate
	}
	if f.roundUp != 0 {
		size = (size + f.roundUp - 1) / f.roundUp * f.roundUp
	}
	if f.roundDown != 0 {
		size = size / f.roundDown * f.roundDown
	}
	return size
}

func (f *Filter) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	return f.displayed(), nil
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	end := off + uint64(len(dst))
	if off >= f.realSize {
		zero(dst)
		return nil
	}
	real := end
	if real > f.realSize {
		real = f.realSize
	}
	if err := f.Next.Pread(ctx, h, dst[:real-off], off); err != nil {
		return err
	}
	if real < end {
		zero(dst[real-off:])
	}
	return nil
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	end := off + uint64(len(src))
	if off >= f.realSize {
		if !isZero(src) {
			return bkerr.At("truncate.Pwrite", bkerr.NoSpace, int64(off))
		}
		return nil
	}
	real := end
	if real > f.realSize {
		real = f.realSize
	}
	if err := f.Next.Pwrite(ctx, h, src[:real-off], off, fua); err != nil {
		return err
	}
	if real < end && !isZero(src[real-off:]) {
		return bkerr.At("truncate.Pwrite", bkerr.NoSpace, int64(real))
	}
	return nil
}

func (f *Filter) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	end := off + count
	if off < f.realSize {
		real := end
		if real > f.realSize {
			real = f.realSize
		}
		if err := f.Next.Extents(ctx, h, real-off, off, sink); err != nil {
			return err
		}
		off = real
	}
	if off < end {
		return sink.Add(off, end-off, backend.ExtentHole|backend.ExtentZero)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool { return bytes.Count(b, []byte{0}) == len(b) }
