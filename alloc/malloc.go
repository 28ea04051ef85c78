package alloc

import (
	"sync"

	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/params"
)

// Malloc is a single growable byte buffer, the dense allocator variant
// (spec.md §3.2/§4.1). Reads past the high-water mark read as zero
// without extending the buffer; writes that stay within the current
// capacity take the reader lock, writes that must grow the buffer
// upgrade to the writer lock for the reallocation and then continue
// under it, per the documented "unlock around reallocation" contract.
// If mlock was requested, the buffer is munlock'd before reallocation
// and mlock'd again after, since the backing array address changes.
type Malloc struct {
	mu    sync.RWMutex
	buf   []byte
	high  uint64 // high-water mark: one past the last written byte
	mlock bool
}

var _ Allocator = (*Malloc)(nil)

// NewMalloc builds a Malloc allocator. Recognized params: "mlock"
// (bool, default false) requests the buffer be page-locked in memory
// whenever it is (re)allocated; "hint" (uint64) pre-reserves capacity
// as SetSizeHint would.
func NewMalloc(p params.Map) (*Malloc, error) {
	if err := p.Reject("mlock", "hint"); err != nil {
		return nil, err
	}
	mlock, err := p.Bool("mlock", false)
	if err != nil {
		return nil, err
	}
	m := &Malloc{mlock: mlock}
	hint, err := p.Uint64("hint", 0)
	if err != nil {
		return nil, err
	}
	if hint != 0 {
		if err := m.SetSizeHint(hint); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetSizeHint pre-reserves capacity for n bytes.
func (m *Malloc) SetSizeHint(n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(cap(m.buf)) >= n {
		return nil
	}
	return m.growLocked(n)
}

// Size reports the high-water mark.
func (m *Malloc) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.high
}

// Read implements Allocator.
func (m *Malloc) Read(dst []byte, off uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range dst {
		dst[i] = 0
	}
	if off >= m.high {
		return nil
	}
	n := m.high - off
	if uint64(len(dst)) < n {
		n = uint64(len(dst))
	}
	copy(dst[:n], m.buf[off:off+n])
	return nil
}

// Write implements Allocator, growing the buffer if necessary.
func (m *Malloc) Write(src []byte, off uint64) error {
	end, err := addEnd("alloc.Malloc.Write", off, uint64(len(src)))
	if err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	m.mu.RLock()
	if end <= uint64(cap(m.buf)) {
		if end > uint64(len(m.buf)) {
			// Extending length within existing capacity still needs
			// exclusive access since len(m.buf) changes; fall through
			// to the write-lock path below. This case is common:
			// growLocked doubles capacity, so cap > len after most
			// grows, and each such write pays the lock upgrade.
			m.mu.RUnlock()
		} else {
			copy(m.buf[off:end], src)
			if end > m.high {
				m.high = end
			}
			m.mu.RUnlock()
			return nil
		}
	} else {
		m.mu.RUnlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if end > uint64(cap(m.buf)) {
		if err := m.growLocked(end); err != nil {
			return err
		}
	}
	if end > uint64(len(m.buf)) {
		m.buf = m.buf[:end]
	}
	copy(m.buf[off:end], src)
	if end > m.high {
		m.high = end
	}
	return nil
}

// Fill implements Allocator; Fill(0, ...) behaves exactly like Zero.
func (m *Malloc) Fill(b byte, count, off uint64) error {
	if b == 0 {
		return m.Zero(count, off)
	}
	end, err := addEnd("alloc.Malloc.Fill", off, count)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if end > uint64(cap(m.buf)) {
		if err := m.growLocked(end); err != nil {
			return err
		}
	}
	if end > uint64(len(m.buf)) {
		m.buf = m.buf[:end]
	}
	run := m.buf[off:end]
	for i := range run {
		run[i] = b
	}
	if end > m.high {
		m.high = end
	}
	return nil
}

// Zero releases no storage (a flat buffer has nothing to release) but
// clears [off, off+count) and never shrinks high below an existing
// high-water mark that lies beyond the zeroed range.
func (m *Malloc) Zero(count, off uint64) error {
	end, err := addEnd("alloc.Malloc.Zero", off, count)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= m.high {
		return nil
	}
	if end > m.high {
		end = m.high
	}
	run := m.buf[off:end]
	for i := range run {
		run[i] = 0
	}
	return nil
}

// Extents reports one allocated extent for [off, off+count) intersected
// with [0, high), plus a hole for the remainder, matching the
// "everything below high is allocated" model of a dense buffer.
func (m *Malloc) Extents(count, off uint64, sink ExtentSink) error {
	end, err := addEnd("alloc.Malloc.Extents", off, count)
	if err != nil {
		return err
	}
	m.mu.RLock()
	high := m.high
	m.mu.RUnlock()
	if off < high {
		allocEnd := end
		if allocEnd > high {
			allocEnd = high
		}
		if err := sink.Add(Extent{Offset: off, Length: allocEnd - off}); err != nil {
			return err
		}
		off = allocEnd
	}
	if off < end {
		if err := sink.Add(Extent{Offset: off, Length: end - off, Flags: ExtentHole | ExtentZero}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the buffer.
func (m *Malloc) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mlock {
		unlockMemory(m.buf)
	}
	m.buf = nil
	m.high = 0
	return nil
}

// growLocked reallocates buf to at least n bytes of capacity. Caller
// holds m.mu for writing.
func (m *Malloc) growLocked(n uint64) error {
	newCap := uint64(cap(m.buf))
	if newCap == 0 {
		newCap = 4096
	}
	for newCap < n {
		newCap *= 2
	}
	if m.mlock {
		unlockMemory(m.buf)
	}
	grown := make([]byte, len(m.buf), newCap)
	copy(grown, m.buf)
	m.buf = grown
	if m.mlock {
		if err := lockMemory(m.buf[:cap(m.buf)]); err != nil {
			return bkerr.Newf("alloc.Malloc.grow", bkerr.ResourceExhausted, err)
		}
	}
	return nil
}

func addEnd(op string, off, count uint64) (uint64, error) {
	end := off + count
	if end < off {
		return 0, bkerr.New(op, bkerr.OutOfRange)
	}
	return end, nil
}
