// Package multiconn implements the multi-connection coordinator
// filter (spec.md §4.5.9): groups open connections (globally, or per
// export name) and tracks a dirty mask per handle so a flush on one
// connection can satisfy the durability obligations of the whole
// group.
package multiconn

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cznic/blockit/backend"
)

// Mode selects flush propagation behavior across a connection group.
type Mode int

const (
	// Emulate flushes every handle in the group whose dirty mask
	// demands it, then clears the mask. The default.
	Emulate Mode = iota
	// Plugin trusts the wrapped backend to coordinate flushes itself.
	Plugin
	// Disable advertises multi-conn as unsafe.
	Disable
	// Unsafe advertises multi-conn as always safe without coordination.
	Unsafe
)

type dirtyMask uint8

const (
	dirtyRead dirtyMask = 1 << iota
	dirtyWrite
)

type group struct {
	mu      sync.Mutex
	dirty   dirtyMask
	handles []*connHandle
}

type connHandle struct {
	inner backend.Handle
	g     *group
	dirty dirtyMask
	// id identifies this connection in log lines. Grouping itself
	// keys off the export name (or "" for the global group), which is
	// already a natural key; id exists purely so a multi-line flush
	// log can be correlated back to one connection.
	id uuid.UUID
}

// Filter is the multi-conn coordinator.
type Filter struct {
	backend.Forwarder

	mode   Mode
	byExp  bool // group by export name instead of globally
	mu     sync.Mutex
	groups map[string]*group
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next, grouping connections by export name if byExport is
// true, else all into one global group.
func New(next backend.Backend, mode Mode, byExport bool) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}, mode: mode, byExp: byExport, groups: map[string]*group{}}
}

func (f *Filter) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	caps, err := f.Next.Caps(ctx, h)
	if err != nil {
		return 0, err
	}
	switch f.mode {
	case Disable:
		caps &^= backend.CanMultiConn
	case Unsafe, Emulate:
		caps |= backend.CanMultiConn
	}
	return caps, nil
}

func (f *Filter) groupKey(export string) string {
	if f.byExp {
		return export
	}
	return ""
}

func (f *Filter) Open(ctx context.Context, export string, readonly bool) (backend.Handle, error) {
	inner, err := f.Next.Open(ctx, export, readonly)
	if err != nil {
		return nil, err
	}
	key := f.groupKey(export)
	f.mu.Lock()
	g, ok := f.groups[key]
	if !ok {
		g = &group{}
		f.groups[key] = g
	}
	f.mu.Unlock()

	ch := &connHandle{inner: inner, g: g, id: uuid.New()}
	g.mu.Lock()
	g.handles = append(g.handles, ch)
	g.mu.Unlock()
	return ch, nil
}

func unwrap(h backend.Handle) (*connHandle, backend.Handle) {
	ch, ok := h.(*connHandle)
	if !ok {
		return nil, h
	}
	return ch, ch.inner
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	ch, inner := unwrap(h)
	if err := f.Next.Pread(ctx, inner, dst, off); err != nil {
		return err
	}
	if ch != nil {
		ch.g.mu.Lock()
		ch.dirty |= dirtyRead
		ch.g.mu.Unlock()
	}
	return nil
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	ch, inner := unwrap(h)
	if err := f.Next.Pwrite(ctx, inner, src, off, fua); err != nil {
		return err
	}
	if ch != nil {
		ch.g.mu.Lock()
		ch.dirty |= dirtyWrite
		ch.g.mu.Unlock()
	}
	return nil
}

// Flush implements the Emulate mode's group-wide coordination: a
// flush on any handle flushes every handle in the group whose dirty
// mask demands it, then clears all masks.
func (f *Filter) Flush(ctx context.Context, h backend.Handle) error {
	ch, inner := unwrap(h)
	if ch == nil || f.mode != Emulate {
		return f.Next.Flush(ctx, inner)
	}
	ch.g.mu.Lock()
	handles := append([]*connHandle(nil), ch.g.handles...)
	ch.g.mu.Unlock()

	logrus.WithFields(logrus.Fields{"triggered_by": ch.id, "group_size": len(handles)}).Debug("multiconn: emulated group flush starting")
	for _, other := range handles {
		other.g.mu.Lock()
		needsFlush := other.dirty != 0
		other.g.mu.Unlock()
		if !needsFlush {
			continue
		}
		if err := f.Next.Flush(ctx, other.inner); err != nil {
			logrus.WithFields(logrus.Fields{"conn": other.id, "error": err}).Warn("multiconn: group flush member failed")
			return err
		}
		other.g.mu.Lock()
		other.dirty = 0
		other.g.mu.Unlock()
	}
	return nil
}

func (f *Filter) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	_, inner := unwrap(h)
	return f.Next.GetSize(ctx, inner)
}

func (f *Filter) Prepare(ctx context.Context, h backend.Handle) error {
	_, inner := unwrap(h)
	return f.Next.Prepare(ctx, inner)
}

func (f *Filter) Finalize(ctx context.Context, h backend.Handle) error {
	_, inner := unwrap(h)
	return f.Next.Finalize(ctx, inner)
}

func (f *Filter) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	_, inner := unwrap(h)
	return f.Next.Trim(ctx, inner, count, off, fua)
}

func (f *Filter) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	_, inner := unwrap(h)
	return f.Next.Zero(ctx, inner, count, off, fastOnly, fua)
}

func (f *Filter) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	_, inner := unwrap(h)
	return f.Next.Extents(ctx, inner, count, off, sink)
}

func (f *Filter) Cache(ctx context.Context, h backend.Handle, count, off uint64) error {
	_, inner := unwrap(h)
	return f.Next.Cache(ctx, inner, count, off)
}

func (f *Filter) Close(ctx context.Context, h backend.Handle) error {
	ch, inner := unwrap(h)
	if err := f.Next.Close(ctx, inner); err != nil {
		return err
	}
	if ch != nil {
		ch.g.mu.Lock()
		for i, x := range ch.g.handles {
			if x == ch {
				ch.g.handles = append(ch.g.handles[:i], ch.g.handles[i+1:]...)
				break
			}
		}
		ch.g.mu.Unlock()
	}
	return nil
}
