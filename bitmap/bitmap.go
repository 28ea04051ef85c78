// Package bitmap implements a bitmap associating 1, 2, 4 or 8 bits
// with each block of a virtual disk, grounded on
// common/bitmap/bitmap.c and on the byte-mask technique in the
// teacher's dbm/bits.go (github.com/cznic/exp/dbm, uBits).
package bitmap

import (
	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/checked"
)

// Bitmap is not safe for concurrent use; callers (cow, cache) hold
// their own mutex around it.
type Bitmap struct {
	blockSize uint64
	bpb       uint8 // bits per block: 1, 2, 4 or 8
	bitshift  uint8 // bpb == 1<<bitshift
	ibpb      uint8 // blocks per byte == 8/bpb

	bits []byte
}

// New creates a Bitmap for the given block size and bits-per-block.
// bpb must be one of 1, 2, 4, 8.
func New(blockSize uint64, bpb uint8) (*Bitmap, error) {
	if !checked.IsPowerOf2(blockSize) {
		return nil, bkerr.New("bitmap.New", bkerr.InvalidArgument)
	}
	var shift uint8
	switch bpb {
	case 1:
		shift = 0
	case 2:
		shift = 1
	case 4:
		shift = 2
	case 8:
		shift = 3
	default:
		return nil, bkerr.New("bitmap.New", bkerr.InvalidArgument)
	}
	return &Bitmap{
		blockSize: blockSize,
		bpb:       bpb,
		bitshift:  shift,
		ibpb:      8 / bpb,
	}, nil
}

// BlockSize returns the configured block size.
func (b *Bitmap) BlockSize() uint64 { return b.blockSize }

// NumBlocks reports how many blocks the bitmap currently covers.
func (b *Bitmap) NumBlocks() uint64 {
	return uint64(len(b.bits)) * uint64(b.ibpb)
}

// Resize grows or shrinks the bitmap to cover newSize bytes of virtual
// disk; newly added entries read as zero.
func (b *Bitmap) Resize(newSize uint64) error {
	blocks := (newSize + b.blockSize - 1) / b.blockSize
	nbytes := (blocks + uint64(b.ibpb) - 1) / uint64(b.ibpb)
	switch {
	case nbytes <= uint64(len(b.bits)):
		b.bits = b.bits[:nbytes]
	default:
		grown := make([]byte, nbytes)
		copy(grown, b.bits)
		b.bits = grown
	}
	return nil
}

// Clear resets every entry to zero.
func (b *Bitmap) Clear() {
	for i := range b.bits {
		b.bits[i] = 0
	}
}

func (b *Bitmap) offsetBitMask(blk uint64) (byteOff uint64, bitPos, mask uint8) {
	byteOff = blk >> (3 - b.bitshift)
	bitPos = b.bpb * uint8(blk&uint64(b.ibpb-1))
	mask = (uint8(1)<<b.bpb - 1) << bitPos
	return
}

// GetBlock returns the bits associated with block blk, or def if blk
// is out of range.
func (b *Bitmap) GetBlock(blk uint64, def uint8) uint8 {
	byteOff, bitPos, mask := b.offsetBitMask(blk)
	if byteOff >= uint64(len(b.bits)) {
		return def
	}
	return (b.bits[byteOff] & mask) >> bitPos
}

// Get is GetBlock expressed in virtual byte offsets.
func (b *Bitmap) Get(offset uint64, def uint8) uint8 {
	return b.GetBlock(offset/b.blockSize, def)
}

// SetBlock stores v (masked to bpb bits) for block blk; out-of-range
// blocks are silently ignored, per common/bitmap/bitmap.c.
func (b *Bitmap) SetBlock(blk uint64, v uint8) {
	byteOff, bitPos, mask := b.offsetBitMask(blk)
	if byteOff >= uint64(len(b.bits)) {
		return
	}
	b.bits[byteOff] = b.bits[byteOff]&^mask | (v<<bitPos)&mask
}

// Set is SetBlock expressed in virtual byte offsets.
func (b *Bitmap) Set(offset uint64, v uint8) {
	b.SetBlock(offset/b.blockSize, v)
}

// NextNonZero returns the first block index >= blk whose value is
// nonzero, or -1 if the bitmap is all-zero from blk onward. It scans
// whole bytes once byte-aligned, per common/include/nextnonzero.h.
func (b *Bitmap) NextNonZero(blk uint64) int64 {
	total := b.NumBlocks()
	for blk < total {
		byteOff, bitPos, _ := b.offsetBitMask(blk)
		if bitPos != 0 {
			if b.GetBlock(blk, 0) != 0 {
				return int64(blk)
			}
			blk++
			continue
		}
		// Byte aligned: fast-scan whole bytes that are entirely zero.
		for byteOff < uint64(len(b.bits)) && b.bits[byteOff] == 0 {
			byteOff++
			blk += uint64(b.ibpb)
		}
		if byteOff >= uint64(len(b.bits)) {
			return -1
		}
		// Found a nonzero byte; scan its blocks one at a time.
		for i := uint8(0); i < b.ibpb; i++ {
			if b.GetBlock(blk, 0) != 0 {
				return int64(blk)
			}
			blk++
		}
	}
	return -1
}
