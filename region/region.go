// Package region implements an ordered, non-overlapping, append-only
// partition of the 64-bit virtual address space, grounded on
// common/regions/regions.c. A Table describes a virtual disk as a
// sequence of (file, in-memory, zero) byte ranges; no other package
// of this module imports it.
package region

import (
	"fmt"

	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/checked"
	"github.com/cznic/blockit/vector"
)

// Type identifies what backs a Region's bytes.
type Type int

const (
	// File indicates the region's bytes come from file Index.
	File Type = iota
	// Data indicates the region's bytes are the literal Data slice.
	Data
	// Zero indicates the region reads as all-zero padding.
	Zero
)

// Region is a half-open-by-inclusive-end byte range: [Start, End].
type Region struct {
	Start, End uint64 // End is inclusive: len == End-Start+1
	Type       Type
	Index      int    // valid when Type == File
	Data       []byte // valid when Type == Data
	Description string
}

// Len reports the region's length in bytes.
func (r Region) Len() uint64 { return r.End - r.Start + 1 }

// Table is an ordered, non-overlapping, contiguous vector of Regions.
type Table struct {
	v *vector.Vector[Region]
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{v: vector.New[Region]()}
}

// Len returns the number of regions.
func (t *Table) Len() int { return t.v.Len() }

// At returns the i'th region.
func (t *Table) At(i int) Region { return t.v.At(i) }

// VirtualSize returns last.End+1, or 0 if the table is empty.
func (t *Table) VirtualSize() uint64 {
	if t.v.Len() == 0 {
		return 0
	}
	return t.v.At(t.v.Len() - 1).End + 1
}

// Find returns the region covering offset by binary search. offset
// must be < VirtualSize(); callers outside that range get the zero
// Region and ok=false.
func (t *Table) Find(offset uint64) (Region, bool) {
	n := t.v.Len()
	if n == 0 || offset >= t.VirtualSize() {
		return Region{}, false
	}
	i := t.v.SearchFirst(func(r Region) bool { return r.End < offset })
	if i >= n {
		return Region{}, false
	}
	return t.v.At(i), true
}

// AppendLen appends one region of the given length, with optional
// zero-padding regions inserted before/after to satisfy preAlign and
// postAlign (powers of two, or 0 to disable). It is the Go analogue
// of append_region_len.
func (t *Table) AppendLen(description string, length, preAlign, postAlign uint64, typ Type, index int, data []byte) error {
	start := t.VirtualSize()
	if preAlign != 0 {
		aligned, err := checked.AlignUp("region.AppendLen", start, preAlign)
		if err != nil {
			return err
		}
		if aligned != start {
			if err := t.appendRaw("alignment padding", start, aligned-1, Zero, 0, nil); err != nil {
				return err
			}
			start = aligned
		}
	}
	if length == 0 {
		return bkerr.New("region.AppendLen", bkerr.InvalidArgument)
	}
	end, err := checked.AddRange("region.AppendLen", start, length-1)
	if err != nil {
		return err
	}
	if err := t.appendRaw(description, start, end, typ, index, data); err != nil {
		return err
	}
	if postAlign != 0 {
		next := end + 1
		aligned, err := checked.AlignUp("region.AppendLen", next, postAlign)
		if err != nil {
			return err
		}
		if aligned != next {
			if err := t.appendRaw("alignment padding", next, aligned-1, Zero, 0, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendEnd is AppendLen but the main region is specified by its
// inclusive end offset rather than its length.
func (t *Table) AppendEnd(description string, end, preAlign, postAlign uint64, typ Type, index int, data []byte) error {
	start := t.VirtualSize()
	if preAlign != 0 {
		aligned, err := checked.AlignUp("region.AppendEnd", start, preAlign)
		if err != nil {
			return err
		}
		start = aligned
	}
	if end < start {
		return bkerr.New("region.AppendEnd", bkerr.InvalidArgument)
	}
	return t.AppendLen(description, end-start+1, preAlign, postAlign, typ, index, data)
}

func (t *Table) appendRaw(description string, start, end uint64, typ Type, index int, data []byte) error {
	if t.v.Len() > 0 {
		last := t.v.At(t.v.Len() - 1)
		if start != last.End+1 {
			return bkerr.New(fmt.Sprintf("region.append: %s", description), bkerr.InvalidArgument)
		}
	}
	t.v.Append(Region{Start: start, End: end, Type: typ, Index: index, Data: data, Description: description})
	return nil
}
