// Package cow implements the copy-on-write overlay filter (spec.md
// §4.5.1): reads come from the wrapped backend until first written,
// after which they come from a scratch file created in TMPDIR and
// unlinked immediately so it evaporates on process exit, the same
// create-then-unlink trick the teacher's lldb package documents for
// its transactional Filers (github.com/cznic/exp/lldb, xact.go).
package cow

import (
	"context"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bitmap"
	"github.com/cznic/blockit/bkerr"
)

// block state, 2 bits per block.
const (
	stateNotAllocated = 0
	stateAllocated    = 1
	stateTrimmed      = 2
)

const defaultBlockSize = 65536

// Filter is the COW overlay. It embeds backend.Forwarder so every
// method it does not override passes straight through to Next.
type Filter struct {
	backend.Forwarder

	blockSize uint64
	cowOnRead bool

	bitmapMu sync.Mutex
	rmwMu    sync.Mutex

	bm      *bitmap.Bitmap
	scratch *os.File
	size    uint64
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next with a COW overlay. blockSize must be a power of two
// >= 4096 (0 selects the 65536 default). cowOnRead additionally copies
// not-allocated blocks into the overlay on read, per spec.md §4.5.1.
func New(next backend.Backend, blockSize uint64, cowOnRead bool) (*Filter, error) {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	bm, err := bitmap.New(blockSize, 2)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(os.TempDir(), "blockit-cow-*")
	if err != nil {
		return nil, bkerr.Newf("cow.New", bkerr.IOError, err)
	}
	os.Remove(f.Name())
	return &Filter{
		Forwarder: backend.Forwarder{Next: next},
		blockSize: blockSize,
		cowOnRead: cowOnRead,
		bm:        bm,
		scratch:   f,
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
	f.bitmapMu.Lock()
	f.size = size
	f.bm.Resize(size)
	f.bitmapMu.Unlock()
	return h, nil
}

func (f *Filter) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	caps, err := f.Next.Caps(ctx, h)
	if err != nil {
		return 0, err
	}
	// The overlay is scratch space: FUA is meaningless (nothing to
	// make durable across a crash), and this filter caches its own
	// state so it must report CacheNative.
	caps |= backend.CanWrite | backend.CanTrim | backend.CanZero | backend.CacheNative
	caps &^= backend.CanFUA
	return caps, nil
}

func (f *Filter) blockOf(off uint64) uint64 { return off / f.blockSize }

// runState returns the state of the block containing off, and the
// end offset of the run of consecutive blocks from off that share
// that same state, capped at end.
func (f *Filter) runState(off, end uint64) (state uint8, runEnd uint64) {
	blk := f.blockOf(off)
	state = f.bm.GetBlock(blk, stateNotAllocated)
	runEnd = (blk + 1) * f.blockSize
	for runEnd < end && f.bm.GetBlock(f.blockOf(runEnd), stateNotAllocated) == state {
		runEnd += f.blockSize
	}
	if runEnd > end {
		runEnd = end
	}
	return state, runEnd
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	return f.pread(ctx, h, dst, off, f.cowOnRead)
}

// pread is Pread's implementation, parameterized on whether a
// not-allocated run read from Next should be copied into the overlay
// (cow-on-read). populateOverlay must be false when called from a
// path that already holds rmwMu (rmwMu is not reentrant), since
// populating the overlay here would otherwise try to re-acquire it.
func (f *Filter) pread(ctx context.Context, h backend.Handle, dst []byte, off uint64, populateOverlay bool) error {
	end := off + uint64(len(dst))
	pos := off
	for pos < end {
		tailClamp := end
		if f.size < tailClamp {
			tailClamp = f.size
		}
		if pos >= f.size {
			// Past end of image: always zero.
			zeroRange(dst[pos-off:])
			break
		}

		f.bitmapMu.Lock()
		state, runEnd := f.runState(pos, tailClamp)
		f.bitmapMu.Unlock()

		n := runEnd - pos
		seg := dst[pos-off : pos-off+n]
		switch state {
		case stateNotAllocated:
			if err := f.Next.Pread(ctx, h, seg, pos); err != nil {
				return err
			}
			if populateOverlay {
				f.rmwMu.Lock()
				f.scratch.WriteAt(seg, int64(pos))
				f.bitmapMu.Lock()
				for b := f.blockOf(pos); b*f.blockSize < runEnd; b++ {
					f.bm.SetBlock(b, stateAllocated)
				}
				f.bitmapMu.Unlock()
				f.rmwMu.Unlock()
			}
		case stateAllocated:
			if _, err := f.scratch.ReadAt(seg, int64(pos)); err != nil {
				return bkerr.AtCause("cow.Pread", bkerr.IOError, int64(pos), err)
			}
		case stateTrimmed:
			zeroRange(seg)
		}
		pos = runEnd
	}
	return nil
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	end := off + uint64(len(src))
	blkStart := off / f.blockSize * f.blockSize
	blkEnd := (end + f.blockSize - 1) / f.blockSize * f.blockSize

	if off == blkStart && end == blkEnd {
		if _, err := f.scratch.WriteAt(src, int64(off)); err != nil {
			return bkerr.AtCause("cow.Pwrite", bkerr.IOError, int64(off), err)
		}
		f.bitmapMu.Lock()
		for b := f.blockOf(off); b*f.blockSize < end; b++ {
			f.bm.SetBlock(b, stateAllocated)
		}
		f.bitmapMu.Unlock()
		return nil
	}

	// Unaligned head/tail: read-modify-write under rmwMu. This is the
	// slow path relative to the block-aligned write above, serializing
	// every unaligned writer in the chain against one mutex.
	logrus.WithFields(logrus.Fields{"off": off, "count": uint64(len(src)), "block_size": f.blockSize}).Debug("cow: unaligned write falling back to read-modify-write")
	f.rmwMu.Lock()
	defer f.rmwMu.Unlock()
	full := make([]byte, blkEnd-blkStart)
	// populateOverlay=false: we're about to overwrite this whole block
	// range in the overlay ourselves below, and Pread's cow-on-read
	// path would otherwise try to re-acquire rmwMu, which we already
	// hold here.
	if err := f.pread(ctx, h, full, blkStart, false); err != nil {
		return err
	}
	copy(full[off-blkStart:], src)
	if _, err := f.scratch.WriteAt(full, int64(blkStart)); err != nil {
		return bkerr.AtCause("cow.Pwrite", bkerr.IOError, int64(blkStart), err)
	}
	f.bitmapMu.Lock()
	for b := f.blockOf(blkStart); b*f.blockSize < blkEnd; b++ {
		f.bm.SetBlock(b, stateAllocated)
	}
	f.bitmapMu.Unlock()
	return nil
}

func (f *Filter) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	end := off + count
	blkStart := off / f.blockSize * f.blockSize
	blkEnd := (end + f.blockSize - 1) / f.blockSize * f.blockSize
	if off != blkStart || end != blkEnd {
		// Partial ends zero via RMW rather than trim.
		return f.Zero(ctx, h, count, off, false, fua)
	}
	f.bitmapMu.Lock()
	defer f.bitmapMu.Unlock()
	for b := f.blockOf(off); b*f.blockSize < end; b++ {
		f.bm.SetBlock(b, stateTrimmed)
	}
	return nil
}

func (f *Filter) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	zeros := make([]byte, count)
	return f.Pwrite(ctx, h, zeros, off, fua)
}

func (f *Filter) Flush(ctx context.Context, h backend.Handle) error {
	// The overlay is scratch; FUA/flush on it is meaningless, so only
	// forward in case Next itself needs a flush for not-allocated reads
	// it served directly.
	return f.Next.Flush(ctx, h)
}

// Extents reports hole|zero for trimmed, allocated for allocated, and
// batches consecutive not-allocated blocks into single next.Extents
// calls to avoid a per-block query storm against a slow backend.
func (f *Filter) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	end := off + count
	if end > f.size {
		end = f.size
	}
	pos := off
	for pos < end {
		f.bitmapMu.Lock()
		state, runEnd := f.runState(pos, end)
		f.bitmapMu.Unlock()

		switch state {
		case stateTrimmed:
			if err := sink.Add(pos, runEnd-pos, backend.ExtentHole|backend.ExtentZero); err != nil {
				return err
			}
		case stateAllocated:
			if err := sink.Add(pos, runEnd-pos, 0); err != nil {
				return err
			}
		case stateNotAllocated:
			if err := f.Next.Extents(ctx, h, runEnd-pos, pos, sink); err != nil {
				return err
			}
		}
		pos = runEnd
	}
	return nil
}

// Close releases the scratch file.
func (f *Filter) Close(ctx context.Context, h backend.Handle) error {
	f.scratch.Close()
	return f.Next.Close(ctx, h)
}

func zeroRange(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
