// Package protect implements the protect filter (spec.md §4.5.6):
// `protect=[~]START-END` parameters define guarded ranges; any write,
// trim or zero that would touch a guarded range is first checked
// against the backend's current contents and rejected with
// PermissionDenied unless the proposed bytes are unchanged (or, for
// trim/zero, already all-zero).
package protect

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
)

// Range is one guarded [Start, End] inclusive byte range. A leading
// "~" in the parameter string negates a previously given range; that
// bookkeeping happens in Parse, so by the time a Range reaches here it
// is always a positive guarded region.
type Range struct {
	Start, End uint64
}

// Parse turns a list of "[~]START-END" strings into a sorted,
// merged list of guarded ranges. A "~"-prefixed entry removes any
// overlap with previously accumulated ranges rather than adding one.
func Parse(specs []string) ([]Range, error) {
	var ranges []Range
	for _, s := range specs {
		neg := strings.HasPrefix(s, "~")
		body := strings.TrimPrefix(s, "~")
		parts := strings.SplitN(body, "-", 2)
		if len(parts) != 2 {
			return nil, bkerr.Newf("protect.Parse", bkerr.InvalidArgument, fmt.Errorf("malformed range: %q", s))
		}
		start, err := strconv.ParseUint(parts[0], 0, 64)
		if err != nil {
			return nil, bkerr.Newf("protect.Parse", bkerr.InvalidArgument, err)
		}
		end, err := strconv.ParseUint(parts[1], 0, 64)
		if err != nil {
			return nil, bkerr.Newf("protect.Parse", bkerr.InvalidArgument, err)
		}
		if neg {
			ranges = subtract(ranges, Range{start, end})
		} else {
			ranges = append(ranges, Range{start, end})
		}
	}
	return mergeRanges(ranges), nil
}

func mergeRanges(in []Range) []Range {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start < in[j].Start })
	out := []Range{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func subtract(in []Range, rm Range) []Range {
	var out []Range
	for _, r := range in {
		if rm.End < r.Start || rm.Start > r.End {
			out = append(out, r)
			continue
		}
		if rm.Start > r.Start {
			out = append(out, Range{r.Start, rm.Start - 1})
		}
		if rm.End < r.End {
			out = append(out, Range{rm.End + 1, r.End})
		}
	}
	return out
}

// Filter is the protect adapter.
type Filter struct {
	backend.Forwarder
	ranges []Range
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next, guarding the given (already parsed/merged) ranges.
func New(next backend.Backend, ranges []Range) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}, ranges: ranges}
}

// guardedOverlaps returns the sub-ranges of [off, off+count), clipped
// to [off, off+count), that fall within a guarded range. A write may
// span both protected and unprotected bytes; only the protected
// sub-ranges are returned, since only those need checking.
func (f *Filter) guardedOverlaps(off, count uint64) []Range {
	end := off + count
	var out []Range
	for _, r := range f.ranges {
		if end <= r.Start || off > r.End {
			continue
		}
		lo, hi := r.Start, r.End
		if lo < off {
			lo = off
		}
		if hi > end-1 {
			hi = end - 1
		}
		out = append(out, Range{lo, hi})
	}
	return out
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	for _, r := range f.guardedOverlaps(off, uint64(len(src))) {
		seg := src[r.Start-off : r.End+1-off]
		current := make([]byte, len(seg))
		if err := f.Next.Pread(ctx, h, current, r.Start); err != nil {
			return err
		}
		if !bytes.Equal(current, seg) {
			return bkerr.At("protect.Pwrite", bkerr.PermissionDenied, int64(r.Start))
		}
	}
	return f.Next.Pwrite(ctx, h, src, off, fua)
}

func (f *Filter) checkZeroed(ctx context.Context, h backend.Handle, count, off uint64) error {
	for _, r := range f.guardedOverlaps(off, count) {
		current := make([]byte, r.End+1-r.Start)
		if err := f.Next.Pread(ctx, h, current, r.Start); err != nil {
			return err
		}
		for _, b := range current {
			if b != 0 {
				return bkerr.At("protect.write", bkerr.PermissionDenied, int64(r.Start))
			}
		}
	}
	return nil
}

func (f *Filter) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	if err := f.checkZeroed(ctx, h, count, off); err != nil {
		return err
	}
	return f.Next.Trim(ctx, h, count, off, fua)
}

func (f *Filter) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	if err := f.checkZeroed(ctx, h, count, off); err != nil {
		return err
	}
	return f.Next.Zero(ctx, h, count, off, fastOnly, fua)
}
