// Package ddrescue implements the ddrescue filter (spec.md §4.5.10):
// it parses a ddrescue mapfile and serves only the ranges marked
// rescued ('+'); a read that crosses into an unmapped region fails
// with an I/O error rather than silently returning garbage or zero.
package ddrescue

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
)

// Run is one mapfile entry: [Start, Start+Size) with a one-character
// status ('+' rescued, '-' not tried, '*' bad-sector, etc; only '+'
// is ever readable through this filter).
type Run struct {
	Start, Size uint64
	Status      byte
}

// ParseMapfile reads a ddrescue mapfile (lines of "pos size status",
// '#'-prefixed comments ignored) and returns its runs sorted by Start.
func ParseMapfile(r io.Reader) ([]Run, error) {
	var runs []Run
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		start, err := strconv.ParseUint(trimHex(fields[0]), 16, 64)
		if err != nil {
			return nil, bkerr.Newf("ddrescue.ParseMapfile", bkerr.InvalidArgument, err)
		}
		size, err := strconv.ParseUint(trimHex(fields[1]), 16, 64)
		if err != nil {
			return nil, bkerr.Newf("ddrescue.ParseMapfile", bkerr.InvalidArgument, err)
		}
		if len(fields[2]) != 1 {
			return nil, bkerr.Newf("ddrescue.ParseMapfile", bkerr.InvalidArgument, fmt.Errorf("bad status: %q", fields[2]))
		}
		runs = append(runs, Run{Start: start, Size: size, Status: fields[2][0]})
	}
	if err := sc.Err(); err != nil {
		return nil, bkerr.Newf("ddrescue.ParseMapfile", bkerr.IOError, err)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Start < runs[j].Start })
	return runs, nil
}

func trimHex(s string) string { return strings.TrimPrefix(strings.ToLower(s), "0x") }

// Filter is the ddrescue adapter.
type Filter struct {
	backend.Forwarder
	runs []Run
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next, serving only byte ranges covered by a '+' run.
func New(next backend.Backend, runs []Run) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}, runs: runs}
}

// rescuedThrough returns how many bytes starting at off are covered
// by a single '+' run, or 0 if off itself is not rescued.
func (f *Filter) rescuedThrough(off uint64, maxLen uint64) uint64 {
	for _, r := range f.runs {
		if off >= r.Start && off < r.Start+r.Size {
			if r.Status != '+' {
				return 0
			}
			avail := r.Start + r.Size - off
			if avail > maxLen {
				avail = maxLen
			}
			return avail
		}
	}
	return 0
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	n := f.rescuedThrough(off, uint64(len(dst)))
	if n == 0 {
		return bkerr.At("ddrescue.Pread", bkerr.IOError, int64(off))
	}
	if n < uint64(len(dst)) {
		return bkerr.At("ddrescue.Pread", bkerr.IOError, int64(off+n))
	}
	return f.Next.Pread(ctx, h, dst, off)
}

func (f *Filter) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	end := off + count
	pos := off
	for pos < end {
		n := f.rescuedThrough(pos, end-pos)
		if n == 0 {
			return bkerr.At("ddrescue.Extents", bkerr.IOError, int64(pos))
		}
		if err := sink.Add(pos, n, 0); err != nil {
			return err
		}
		pos += n
	}
	return nil
}
