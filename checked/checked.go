// Package checked provides overflow-checked unsigned arithmetic for
// the offset/length bookkeeping shared by alloc, region and bitmap.
// Every virtual address in this module is a uint64 byte offset; all
// of the add/multiply helpers here return an error instead of
// silently wrapping, mirroring common/include/checked-overflow.h.
package checked

import (
	"math"

	"github.com/cznic/blockit/bkerr"
)

// AddU64 returns a+b, or an OutOfRange error if the sum overflows.
func AddU64(op string, a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, bkerr.New(op, bkerr.OutOfRange)
	}
	return s, nil
}

// MulU64 returns a*b, or an OutOfRange error if the product overflows.
func MulU64(op string, a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/a != b {
		return 0, bkerr.New(op, bkerr.OutOfRange)
	}
	return p, nil
}

// AddRange returns off+count, or an OutOfRange error if the resulting
// range would cross the maximum usable image size (2^63-1).
func AddRange(op string, off, count uint64) (uint64, error) {
	end, err := AddU64(op, off, count)
	if err != nil {
		return 0, err
	}
	if end > math.MaxInt64 {
		return 0, bkerr.At(op, bkerr.OutOfRange, int64(off))
	}
	return end, nil
}

// AlignUp rounds v up to the next multiple of align (align must be a
// power of two); it reports OutOfRange instead of wrapping past
// math.MaxUint64.
func AlignUp(op string, v, align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, bkerr.New(op, bkerr.InvalidArgument)
	}
	mask := align - 1
	sum, err := AddU64(op, v, mask)
	if err != nil {
		return 0, err
	}
	return sum &^ mask, nil
}

// IsPowerOf2 reports whether v is a nonzero power of two, mirroring
// common/include/ispowerof2.h.
func IsPowerOf2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
