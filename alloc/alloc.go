// Package alloc defines the generic block allocator interface and its
// three concrete implementations (malloc, sparse, zstd), grounded on
// common/allocators/allocator.c and, for the growable-buffer half of
// malloc, on the teacher's github.com/cznic/exp/lldb.MemFiler.
package alloc

import (
	"fmt"

	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/params"
)

// ExtentFlag is a bitmask describing one sub-range returned by
// Extents.
type ExtentFlag uint8

const (
	// ExtentHole marks a range with no backing storage.
	ExtentHole ExtentFlag = 1 << iota
	// ExtentZero marks a range that reads as zero (may or may not
	// also be a hole).
	ExtentZero
)

// Extent is one contiguous sub-range of an Extents query result.
type Extent struct {
	Offset uint64
	Length uint64
	Flags  ExtentFlag
}

// ExtentSink receives Extents as they are produced; Allocator.Extents
// appends to it via Add.
type ExtentSink interface {
	Add(e Extent) error
}

// ExtentList is the simplest ExtentSink: an in-memory slice.
type ExtentList struct {
	Items []Extent
}

// Add implements ExtentSink.
func (l *ExtentList) Add(e Extent) error {
	l.Items = append(l.Items, e)
	return nil
}

// Allocator is the uniform interface implemented by malloc, sparse
// and zstd. All offsets/counts are byte-addressed uint64s. Every
// method must be safe for concurrent use by multiple callers; each
// implementation documents its own locking granularity.
type Allocator interface {
	// SetSizeHint is advisory; implementations may ignore it, but
	// must still succeed or report ResourceExhausted.
	SetSizeHint(n uint64) error

	// Size reports the current virtual extent of the allocator: one
	// past the highest byte ever made reachable by Write or Fill.
	// SetSizeHint does not change it.
	Size() uint64

	// Read always succeeds; bytes beyond the high-water mark read as
	// zero.
	Read(dst []byte, off uint64) error

	// Write extends the allocator if necessary. It fails only on
	// allocation exhaustion.
	Write(src []byte, off uint64) error

	// Fill writes count copies of b starting at off. Fill(0, ...) is
	// required to behave exactly like Zero.
	Fill(b byte, count, off uint64) error

	// Zero releases backing storage for [off, off+count) wherever it
	// becomes entirely zero; logically equivalent to Fill(0, ...).
	Zero(count, off uint64) error

	// Extents appends zero-or-more Extent values covering
	// [off, off+count) to sink, each flagged allocated/zero/hole.
	Extents(count, off uint64, sink ExtentSink) error

	// Close releases any resources (scratch files, compression
	// buffers) held by the allocator.
	Close() error
}

// Blit copies count bytes from src at srcOff to dst at dstOff without
// an intermediate caller buffer, always routed through dst's Write
// path so its locking and growth rules apply. src and dst must be
// distinct instances.
func Blit(src, dst Allocator, count, srcOff, dstOff uint64) error {
	if src == dst {
		return bkerr.New("alloc.Blit", bkerr.InvalidArgument)
	}
	const chunk = 1 << 20
	buf := make([]byte, min64(chunk, count))
	remaining := count
	for remaining > 0 {
		n := min64(uint64(len(buf)), remaining)
		if err := src.Read(buf[:n], srcOff); err != nil {
			return err
		}
		if err := dst.Write(buf[:n], dstOff); err != nil {
			return err
		}
		srcOff += n
		dstOff += n
		remaining -= n
	}
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Create is the allocator factory: type[,key=value...], per spec.md
// §6. Recognized types are "malloc", "sparse" and "zstd"; unknown
// types report InvalidArgument ("unknown allocator").
func Create(typ string, p params.Map) (Allocator, error) {
	switch typ {
	case "malloc":
		return NewMalloc(p)
	case "sparse":
		return NewSparse(p)
	case "zstd":
		return NewZstd(p)
	default:
		return nil, bkerr.Newf("alloc.Create", bkerr.InvalidArgument, fmt.Errorf("unknown allocator: %q", typ))
	}
}
