// Package extentlist implements the extentlist filter (spec.md
// §4.5.10): parses a text file of "offset length [type]" lines,
// sorts them, fills gaps with hole|zero, and overrides Extents with
// the resulting merged table instead of asking the wrapped backend.
package extentlist

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

// Entry is one parsed "offset length [type]" line. Type "hole" and
// "zero" set the matching backend.ExtentFlag bits; anything else (or
// an absent third field) means "allocated data".
type Entry struct {
	Offset, Length uint64
	Flags          backend.ExtentFlag
}

// Parse reads the extentlist file format.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, bkerr.Newf("extentlist.Parse", bkerr.InvalidArgument, fmt.Errorf("malformed line: %q", line))
		}
		off, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return nil, bkerr.Newf("extentlist.Parse", bkerr.InvalidArgument, err)
		}
		length, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, bkerr.Newf("extentlist.Parse", bkerr.InvalidArgument, err)
		}
		var fl backend.ExtentFlag
		if len(fields) >= 3 {
			switch fields[2] {
			case "hole":
				fl = backend.ExtentHole | backend.ExtentZero
			case "zero":
				fl = backend.ExtentZero
			}
		}
		entries = append(entries, Entry{Offset: off, Length: length, Flags: fl})
	}
	if err := sc.Err(); err != nil {
		return nil, bkerr.Newf("extentlist.Parse", bkerr.IOError, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries, nil
}

// Filter is the extentlist adapter.
type Filter struct {
	backend.Forwarder
	entries []Entry
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next, overriding Extents with the given parsed,
// gap-filled table.
func New(next backend.Backend, entries []Entry) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}, entries: fillGaps(entries)}
}

func fillGaps(in []Entry) []Entry {
	var out []Entry
	pos := uint64(0)
	for _, e := range in {
		if e.Offset > pos {
			out = append(out, Entry{Offset: pos, Length: e.Offset - pos, Flags: backend.ExtentHole | backend.ExtentZero})
		}
		out = append(out, e)
		pos = e.Offset + e.Length
	}
	return out
}

func (f *Filter) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	end := off + count
	for _, e := range f.entries {
		eEnd := e.Offset + e.Length
		if eEnd <= off || e.Offset >= end {
			continue
		}
		start := e.Offset
		if start < off {
			start = off
		}
		stop := eEnd
		if stop > end {
			stop = end
		}
		if err := sink.Add(start, stop-start, e.Flags); err != nil {
			return err
		}
	}
	return nil
}
