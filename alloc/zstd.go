package alloc

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/checked"
	"github.com/cznic/blockit/params"
	"github.com/cznic/blockit/vector"
)

// zstdL1Entry mirrors l1Entry but its L2 slots hold compressed page
// bytes rather than raw pages; nil still means "not allocated".
type zstdL1Entry struct {
	start uint64
	l2    [][]byte
}

// Zstd is the sparse allocator's compressed sibling (spec.md §4.3):
// same two-level 128 MiB-span/32 KiB-page topology as Sparse, but each
// L2 slot stores a zstd-compressed copy of its page instead of the
// raw bytes. lookupDecompress always hands back a full-size scratch
// page, decompressing the stored slot into it (or zeroing it, if the
// slot was never written), so callers can read or mutate uniformly;
// writes then recompress the scratch page back into the slot. One
// mutex guards L1, every L2 and the shared encoder/decoder, matching
// §4.3's "one mutex per allocator" contract.
type Zstd struct {
	mu  sync.Mutex
	l1  *vector.Vector[*zstdL1Entry]
	hi  uint64
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ Allocator = (*Zstd)(nil)

// NewZstd builds a Zstd allocator. Recognized params: "level" (int,
// 1..22, default 3 i.e. zstd.SpeedDefault-equivalent).
func NewZstd(p params.Map) (*Zstd, error) {
	if err := p.Reject("level"); err != nil {
		return nil, err
	}
	level, err := p.Int("level", 3)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, bkerr.Newf("alloc.NewZstd", bkerr.ResourceExhausted, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, bkerr.Newf("alloc.NewZstd", bkerr.ResourceExhausted, err)
	}
	return &Zstd{l1: vector.New[*zstdL1Entry](), enc: enc, dec: dec}, nil
}

// SetSizeHint is advisory and ignored by Zstd.
func (z *Zstd) SetSizeHint(uint64) error { return nil }

// Size returns the high-water mark.
func (z *Zstd) Size() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.hi
}

func (z *Zstd) findL1(off uint64) (*zstdL1Entry, int) {
	want := spanStart(off)
	i := z.l1.SearchFirst(func(e *zstdL1Entry) bool { return e.start < want })
	if i < z.l1.Len() && z.l1.At(i).start == want {
		return z.l1.At(i), i
	}
	return nil, i
}

// lookupDecompress implements the algorithm from spec.md §4.3: it
// always fills scratch (sized sparsePageSize) with the page covering
// off, decompressing the stored slot or zeroing scratch if none
// exists, and returns the byte count remaining until the page
// boundary plus the owning entry/slot (needed by compress to write
// back; both are zero values when create is false and no entry/slot
// existed).
func (z *Zstd) lookupDecompress(off uint64, scratch []byte, create bool) (until uint64, e *zstdL1Entry, slot uint64, err error) {
	until = sparsePageSize - off%sparsePageSize
	for i := range scratch {
		scratch[i] = 0
	}
	ent, idx := z.findL1(off)
	if ent == nil {
		if !create {
			return until, nil, 0, nil
		}
		ent = &zstdL1Entry{start: spanStart(off), l2: make([][]byte, sparseL2Len)}
		z.l1.InsertAt(idx, ent)
	}
	s := (off - ent.start) / sparsePageSize
	if ent.l2[s] != nil {
		out, derr := z.dec.DecodeAll(ent.l2[s], scratch[:0])
		if derr != nil {
			return 0, nil, 0, bkerr.Newf("alloc.Zstd.lookupDecompress", bkerr.Corrupted, derr)
		}
		copy(scratch, out)
	}
	return until, ent, s, nil
}

// compress replaces the L2 slot at (e,slot) with a freshly compressed
// copy of page, or releases the slot entirely if page is all-zero.
func (z *Zstd) compress(e *zstdL1Entry, slot uint64, page []byte) {
	if allZero(page) {
		e.l2[slot] = nil
		return
	}
	e.l2[slot] = z.enc.EncodeAll(page, nil)
}

// Read implements Allocator.
func (z *Zstd) Read(dst []byte, off uint64) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	var scratch [sparsePageSize]byte
	pos := off
	rem := dst
	for len(rem) > 0 {
		until, _, _, err := z.lookupDecompress(pos, scratch[:], false)
		if err != nil {
			return err
		}
		n := until
		if uint64(len(rem)) < n {
			n = uint64(len(rem))
		}
		pgOff := pos % sparsePageSize
		copy(rem[:n], scratch[pgOff:pgOff+n])
		rem = rem[n:]
		pos += n
	}
	return nil
}

// Write implements Allocator.
func (z *Zstd) Write(src []byte, off uint64) error {
	end, err := checked.AddRange("alloc.Zstd.Write", off, uint64(len(src)))
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	var scratch [sparsePageSize]byte
	pos := off
	rem := src
	for len(rem) > 0 {
		until, e, slot, derr := z.lookupDecompress(pos, scratch[:], true)
		if derr != nil {
			return derr
		}
		n := until
		if uint64(len(rem)) < n {
			n = uint64(len(rem))
		}
		pgOff := pos % sparsePageSize
		copy(scratch[pgOff:pgOff+n], rem[:n])
		z.compress(e, slot, scratch[:])
		rem = rem[n:]
		pos += n
	}
	if end > z.hi {
		z.hi = end
	}
	return nil
}

// Fill implements Allocator; Fill(0, ...) behaves exactly like Zero.
func (z *Zstd) Fill(b byte, count, off uint64) error {
	if b == 0 {
		return z.Zero(count, off)
	}
	end, err := checked.AddRange("alloc.Zstd.Fill", off, count)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	var scratch [sparsePageSize]byte
	pos := off
	remaining := count
	for remaining > 0 {
		until, e, slot, derr := z.lookupDecompress(pos, scratch[:], true)
		if derr != nil {
			return derr
		}
		n := until
		if remaining < n {
			n = remaining
		}
		pgOff := pos % sparsePageSize
		run := scratch[pgOff : pgOff+n]
		for i := range run {
			run[i] = b
		}
		z.compress(e, slot, scratch[:])
		pos += n
		remaining -= n
	}
	if end > z.hi {
		z.hi = end
	}
	return nil
}

// Zero clears [off, off+count), releasing any page slot that becomes
// entirely zero.
func (z *Zstd) Zero(count, off uint64) error {
	if _, err := checked.AddRange("alloc.Zstd.Zero", off, count); err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	var scratch [sparsePageSize]byte
	pos := off
	remaining := count
	for remaining > 0 {
		until := sparsePageSize - pos%sparsePageSize
		n := until
		if remaining < n {
			n = remaining
		}
		e, _ := z.findL1(pos)
		if e != nil {
			slot := (pos - e.start) / sparsePageSize
			if e.l2[slot] != nil {
				if _, _, _, err := z.lookupDecompress(pos, scratch[:], false); err != nil {
					return err
				}
				pgOff := pos % sparsePageSize
				run := scratch[pgOff : pgOff+n]
				for i := range run {
					run[i] = 0
				}
				z.compress(e, slot, scratch[:])
			}
		}
		pos += n
		remaining -= n
	}
	return nil
}

// Extents reports allocated/hole runs over [off, off+count).
func (z *Zstd) Extents(count, off uint64, sink ExtentSink) error {
	end, err := checked.AddRange("alloc.Zstd.Extents", off, count)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	pos := off
	var curStart uint64
	var curFlags ExtentFlag
	haveCur := false
	flush := func(to uint64) error {
		if !haveCur {
			return nil
		}
		return sink.Add(Extent{Offset: curStart, Length: to - curStart, Flags: curFlags})
	}
	for pos < end {
		until := sparsePageSize - pos%sparsePageSize
		n := until
		if end-pos < n {
			n = end - pos
		}
		e, _ := z.findL1(pos)
		var flags ExtentFlag
		if e == nil {
			flags = ExtentHole | ExtentZero
		} else {
			slot := (pos - e.start) / sparsePageSize
			if e.l2[slot] == nil {
				flags = ExtentHole | ExtentZero
			}
		}
		switch {
		case !haveCur:
			curStart, curFlags, haveCur = pos, flags, true
		case flags != curFlags:
			if err := flush(pos); err != nil {
				return err
			}
			curStart, curFlags = pos, flags
		}
		pos += n
	}
	return flush(end)
}

// Close releases the encoder/decoder and every page.
func (z *Zstd) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.enc.Close()
	z.dec.Close()
	z.l1.Reset()
	z.hi = 0
	return nil
}
