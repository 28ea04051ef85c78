// Package blocksize implements the block-size adapter filter
// (spec.md §4.5.3): announces a fixed minimum/preferred/maximum
// upstream regardless of what the wrapped backend requires, and
// splits every request into an optional unaligned head, aligned
// middle requests, and an optional unaligned tail, bouncing the
// unaligned edges through one process-wide buffer guarded by a
// reader/writer lock (shared for aligned middles, exclusive while the
// bounce buffer is in use for the edges) — the same RWMutex
// "readers share, writers exclusive" split the teacher's lldb package
// applies around its own buffer mutation paths.
package blocksize

import (
	"context"
	"sync"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
)

const bounceSize = 65536

var bounceMu sync.RWMutex
var bounceBuf [bounceSize]byte

// Filter enforces minBlock as the effective block size downstream.
type Filter struct {
	backend.Forwarder
	minBlock uint32
	maxData  uint32
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next, rounding every request to minBlock-aligned chunks
// of at most maxData bytes (0 selects 2^32-1, matching the spec's
// announced maximum).
func New(next backend.Backend, minBlock, maxData uint32) *Filter {
	if maxData == 0 {
		maxData = 0xffffffff
	}
	return &Filter{Forwarder: backend.Forwarder{Next: next}, minBlock: minBlock, maxData: maxData}
}

func (f *Filter) BlockSize(ctx context.Context) (uint32, uint32, uint32, error) {
	_, pref, _, err := f.Next.BlockSize(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	if pref < f.minBlock {
		pref = f.minBlock
	}
	if pref < 4096 {
		pref = 4096
	}
	return 1, pref, 0xffffffff, nil
}

// split computes [headStart,headEnd) [bodyStart,bodyEnd) [tailStart,tailEnd)
// for a request [off, off+count) against minBlock alignment.
func (f *Filter) split(off, count uint64) (headStart, headEnd, bodyStart, bodyEnd, tailStart, tailEnd uint64) {
	mb := uint64(f.minBlock)
	end := off + count
	bodyStart = (off + mb - 1) / mb * mb
	bodyEnd = end / mb * mb
	if bodyStart > bodyEnd {
		bodyStart, bodyEnd = end, end
	}
	return off, bodyStart, bodyStart, bodyEnd, bodyEnd, end
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	if f.minBlock <= 1 {
		return f.Next.Pread(ctx, h, dst, off)
	}
	headStart, headEnd, bodyStart, bodyEnd, tailStart, tailEnd := f.split(off, uint64(len(dst)))

	if headEnd > headStart {
		if headEnd-headStart > bounceSize {
			return bkerr.New("blocksize.Pread", bkerr.Unsupported)
		}
		bounceMu.Lock()
		blkOff := headStart / uint64(f.minBlock) * uint64(f.minBlock)
		if err := f.Next.Pread(ctx, h, bounceBuf[:f.minBlock], blkOff); err != nil {
			bounceMu.Unlock()
			return err
		}
		copy(dst[:headEnd-headStart], bounceBuf[headStart-blkOff:])
		bounceMu.Unlock()
	}
	if bodyEnd > bodyStart {
		bounceMu.RLock()
		err := readMiddle(ctx, f.Next, h, dst[bodyStart-off:bodyEnd-off], bodyStart, f.maxData)
		bounceMu.RUnlock()
		if err != nil {
			return err
		}
	}
	if tailEnd > tailStart {
		if tailEnd-tailStart > bounceSize {
			return bkerr.New("blocksize.Pread", bkerr.Unsupported)
		}
		bounceMu.Lock()
		blkOff := tailStart / uint64(f.minBlock) * uint64(f.minBlock)
		if err := f.Next.Pread(ctx, h, bounceBuf[:f.minBlock], blkOff); err != nil {
			bounceMu.Unlock()
			return err
		}
		copy(dst[tailStart-off:], bounceBuf[tailStart-blkOff:tailEnd-blkOff])
		bounceMu.Unlock()
	}
	return nil
}

func readMiddle(ctx context.Context, next backend.Backend, h backend.Handle, dst []byte, off uint64, maxData uint32) error {
	pos := off
	rem := dst
	for len(rem) > 0 {
		n := uint64(len(rem))
		if n > uint64(maxData) {
			n = uint64(maxData)
		}
		if err := next.Pread(ctx, h, rem[:n], pos); err != nil {
			return err
		}
		rem = rem[n:]
		pos += n
	}
	return nil
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	if f.minBlock <= 1 {
		return f.Next.Pwrite(ctx, h, src, off, fua)
	}
	headStart, headEnd, bodyStart, bodyEnd, tailStart, tailEnd := f.split(off, uint64(len(src)))

	rmwEdge := func(editStart, editEnd uint64, data []byte) error {
		if editEnd-editStart > bounceSize {
			return bkerr.New("blocksize.Pwrite", bkerr.Unsupported)
		}
		bounceMu.Lock()
		defer bounceMu.Unlock()
		blkOff := editStart / uint64(f.minBlock) * uint64(f.minBlock)
		if err := f.Next.Pread(ctx, h, bounceBuf[:f.minBlock], blkOff); err != nil {
			return err
		}
		copy(bounceBuf[editStart-blkOff:editEnd-blkOff], data)
		return f.Next.Pwrite(ctx, h, bounceBuf[:f.minBlock], blkOff, fua)
	}

	if headEnd > headStart {
		if err := rmwEdge(headStart, headEnd, src[:headEnd-headStart]); err != nil {
			return err
		}
	}
	if bodyEnd > bodyStart {
		bounceMu.RLock()
		err := writeMiddle(ctx, f.Next, h, src[bodyStart-off:bodyEnd-off], bodyStart, f.maxData, fua)
		bounceMu.RUnlock()
		if err != nil {
			return err
		}
	}
	if tailEnd > tailStart {
		if err := rmwEdge(tailStart, tailEnd, src[tailStart-off:]); err != nil {
			return err
		}
	}
	return nil
}

func writeMiddle(ctx context.Context, next backend.Backend, h backend.Handle, src []byte, off uint64, maxData uint32, fua bool) error {
	pos := off
	rem := src
	for len(rem) > 0 {
		n := uint64(len(rem))
		if n > uint64(maxData) {
			n = uint64(maxData)
		}
		if err := next.Pwrite(ctx, h, rem[:n], pos, fua); err != nil {
			return err
		}
		rem = rem[n:]
		pos += n
	}
	return nil
}

// Zero reports ENOTSUP for FAST_ZERO when the range would need
// splitting, matching the filter's "fail fast rather than emulate
// slowly" contract.
func (f *Filter) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	aligned := off%uint64(f.minBlock) == 0 && count%uint64(f.minBlock) == 0
	if fastOnly && !aligned {
		return bkerr.New("blocksize.Zero", bkerr.Unsupported)
	}
	if aligned {
		return f.Next.Zero(ctx, h, count, off, fastOnly, fua)
	}
	zeros := make([]byte, count)
	return f.Pwrite(ctx, h, zeros, off, fua)
}
