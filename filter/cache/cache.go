// Package cache implements the cache filter (spec.md §4.5.2):
// write-through/write-back/unsafe modes over a local scratch file,
// an LRU-driven reclaim engine that punches holes to shrink the
// cache file, grounded on the page+dirty-bitmap bookkeeping pattern
// in the teacher's github.com/cznic/exp/lldb.bitFiler
// (lldb/xact.go) generalized from "dirty since last commit" to
// "clean vs dirty vs not-cached".
package cache

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/cznic/fileutil"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bitmap"
	"github.com/cznic/blockit/bkerr"
)

// Mode selects write-propagation behavior.
type Mode int

const (
	// Writeback buffers writes in the cache and flushes dirty blocks
	// to the backend on Flush. The default, matching the spec.
	Writeback Mode = iota
	// Writethrough writes to both the cache and the backend, marking
	// the block clean immediately.
	Writethrough
	// Unsafe behaves like Writeback but Flush is a no-op.
	Unsafe
)

const (
	stateNotCached = 0
	stateClean     = 1
	stateDirty     = 2
)

type reclaimState int

const (
	notReclaiming reclaimState = iota
	reclaimingLRU
	reclaimingAny
)

// Filter is the cache filter.
type Filter struct {
	backend.Forwarder

	mode      Mode
	blockSize uint64
	maxSize   uint64
	hiThresh  int // percent
	loThresh  int // percent

	mu       sync.Mutex
	bm       *bitmap.Bitmap
	file     *os.File
	size     uint64
	used     uint64
	recent   []bool // per-block "touched since last LRU sweep"
	sweepPos uint64
	state    reclaimState
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next with a write-back (by default) block cache of up to
// maxSize bytes, reclaimed by LRU once usage crosses hiThreshPct% and
// down to loThreshPct%.
func New(next backend.Backend, mode Mode, blockSize, maxSize uint64, hiThreshPct, loThreshPct int) (*Filter, error) {
	if blockSize == 0 {
		blockSize = 65536
	}
	bm, err := bitmap.New(blockSize, 2)
	if err != nil {
		return nil, err
	}
	f, ferr := os.CreateTemp(os.TempDir(), "blockit-cache-*")
	if ferr != nil {
		return nil, bkerr.Newf("cache.New", bkerr.IOError, ferr)
	}
	os.Remove(f.Name())
	return &Filter{
		Forwarder: backend.Forwarder{Next: next},
		mode:      mode,
		blockSize: blockSize,
		maxSize:   maxSize,
		hiThresh:  hiThreshPct,
		loThresh:  loThreshPct,
		bm:        bm,
		file:      f,
	}, nil
}

func (f *Filter) Open(ctx context.Context, export string, readonly bool) (backend.Handle, error) {
	h, err := f.Next.Open(ctx, export, readonly)
	if err != nil {
		return nil, err
	}
	size, err := f.Next.GetSize(ctx, h)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.size = size
	f.bm.Resize(size)
	f.recent = make([]bool, (size+f.blockSize-1)/f.blockSize)
	f.mu.Unlock()
	return h, nil
}

func (f *Filter) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	caps, err := f.Next.Caps(ctx, h)
	if err != nil {
		return 0, err
	}
	caps |= backend.CacheNative
	if f.mode == Unsafe {
		caps |= backend.CanFUA | backend.CanMultiConn
	} else if f.mode == Writethrough {
		// multi-conn is safe only if the backend itself is.
	} else {
		caps |= backend.CanFUA
	}
	return caps, nil
}

func (f *Filter) blockOf(off uint64) uint64 { return off / f.blockSize }

func (f *Filter) touch(blk uint64) {
	if blk < uint64(len(f.recent)) {
		f.recent[blk] = true
	}
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	end := off + uint64(len(dst))
	pos := off
	for pos < end {
		blk := f.blockOf(pos)
		blkEnd := (blk + 1) * f.blockSize
		runEnd := blkEnd
		if runEnd > end {
			runEnd = end
		}
		n := runEnd - pos
		seg := dst[pos-off : pos-off+n]

		f.mu.Lock()
		state := f.bm.GetBlock(blk, stateNotCached)
		f.mu.Unlock()

		if state == stateNotCached {
			if err := f.Next.Pread(ctx, h, seg, pos); err != nil {
				return err
			}
			f.mu.Lock()
			f.file.WriteAt(seg, int64(pos))
			f.bm.SetBlock(blk, stateClean)
			f.touch(blk)
			f.used += f.blockSize
			f.mu.Unlock()
			f.maybeReclaim()
		} else {
			if _, err := f.file.ReadAt(seg, int64(pos)); err != nil {
				return bkerr.AtCause("cache.Pread", bkerr.IOError, int64(pos), err)
			}
			f.mu.Lock()
			f.touch(blk)
			f.mu.Unlock()
		}
		pos = runEnd
	}
	return nil
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	if _, err := f.file.WriteAt(src, int64(off)); err != nil {
		return bkerr.AtCause("cache.Pwrite", bkerr.IOError, int64(off), err)
	}
	end := off + uint64(len(src))
	f.mu.Lock()
	for b := f.blockOf(off); b*f.blockSize < end; b++ {
		f.touch(b)
	}
	f.mu.Unlock()

	switch {
	case f.mode == Writethrough:
		if err := f.Next.Pwrite(ctx, h, src, off, false); err != nil {
			return err
		}
		f.setRange(off, end, stateClean)
		return nil
	case fua:
		// writeback + FUA: write, mark clean, forward directly.
		if err := f.Next.Pwrite(ctx, h, src, off, true); err != nil {
			return err
		}
		f.setRange(off, end, stateClean)
		return nil
	default:
		f.setRange(off, end, stateDirty)
		return nil
	}
}

func (f *Filter) setRange(off, end uint64, state uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for b := f.blockOf(off); b*f.blockSize < end; b++ {
		if f.bm.GetBlock(b, stateNotCached) == stateNotCached {
			f.used += f.blockSize
		}
		f.bm.SetBlock(b, state)
	}
}

func (f *Filter) Flush(ctx context.Context, h backend.Handle) error {
	if f.mode == Unsafe {
		return nil
	}
	f.mu.Lock()
	n := f.bm.NumBlocks()
	var dirty []uint64
	for b := int64(0); b != -1 && uint64(b) < n; {
		b = f.bm.NextNonZero(uint64(b))
		if b == -1 {
			break
		}
		if f.bm.GetBlock(uint64(b), 0) == stateDirty {
			dirty = append(dirty, uint64(b))
		}
		b++
	}
	f.mu.Unlock()

	buf := make([]byte, f.blockSize)
	for _, blk := range dirty {
		off := blk * f.blockSize
		n, err := f.file.ReadAt(buf, int64(off))
		if err != nil && err != io.EOF {
			return bkerr.AtCause("cache.Flush", bkerr.IOError, int64(off), err)
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		if err := f.Next.Pwrite(ctx, h, buf, off, false); err != nil {
			return err
		}
		f.mu.Lock()
		f.bm.SetBlock(blk, stateClean)
		f.mu.Unlock()
	}
	return f.Next.Flush(ctx, h)
}

// maybeReclaim runs the 3-state reclaim machine from spec.md §4.5.2,
// punching holes for up to two blocks per call.
func (f *Filter) maybeReclaim() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxSize == 0 {
		return
	}
	hi := f.maxSize * uint64(f.hiThresh) / 100
	lo := f.maxSize * uint64(f.loThresh) / 100

	switch f.state {
	case notReclaiming:
		if f.used > hi {
			f.state = reclaimingLRU
		}
	case reclaimingLRU, reclaimingAny:
		if f.used < lo {
			f.state = notReclaiming
			return
		}
	}
	if f.state == notReclaiming {
		return
	}

	reclaimed := 0
	n := uint64(len(f.recent))
	for reclaimed < 2 && f.used > lo {
		if f.sweepPos >= n {
			f.sweepPos = 0
			if f.state == reclaimingLRU {
				f.state = reclaimingAny
			}
		}
		blk := f.sweepPos
		f.sweepPos++
		if blk >= n {
			break
		}
		skip := f.state == reclaimingLRU && f.recent[blk]
		if skip {
			f.recent[blk] = false
			continue
		}
		if f.bm.GetBlock(blk, stateNotCached) == stateNotCached {
			continue
		}
		fileutil.PunchHole(f.file, int64(blk*f.blockSize), int64(f.blockSize))
		f.bm.SetBlock(blk, stateNotCached)
		f.recent[blk] = false
		f.used -= f.blockSize
		reclaimed++
	}
}

func (f *Filter) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	return f.Next.Trim(ctx, h, count, off, fua)
}

func (f *Filter) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	return f.Next.Zero(ctx, h, count, off, fastOnly, fua)
}

func (f *Filter) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	return f.Next.Extents(ctx, h, count, off, sink)
}

// Close flushes and releases the cache file.
func (f *Filter) Close(ctx context.Context, h backend.Handle) error {
	if err := f.Flush(ctx, h); err != nil {
		return err
	}
	f.file.Close()
	return f.Next.Close(ctx, h)
}
