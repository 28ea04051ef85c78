// Package scan implements the scan prefetch filter (spec.md §4.5.4):
// the sequential-streaming sibling of readahead, issuing .cache calls
// from virtual offset 0 upward in the background, skipping ahead
// rather than replaying the past once a client read overtakes it.
package scan

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cznic/blockit/backend"
)

const scanChunk = 1 << 20 // 1 MiB per .cache call

// Filter is the scan prefetcher.
type Filter struct {
	backend.Forwarder

	mu      sync.Mutex
	running map[backend.Handle]context.CancelFunc
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next with a whole-image forward-scanning prefetcher.
func New(next backend.Backend) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}, running: map[backend.Handle]context.CancelFunc{}}
}

func (f *Filter) Open(ctx context.Context, export string, readonly bool) (backend.Handle, error) {
	h, err := f.Next.Open(ctx, export, readonly)
	if err != nil {
		return nil, err
	}
	caps, err := f.Next.Caps(ctx, h)
	if err != nil || caps&backend.CanCache == 0 {
		return h, nil
	}
	size, err := f.Next.GetSize(ctx, h)
	if err != nil {
		return h, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	var clientOffset uint64
	grp, gctx := errgroup.WithContext(scanCtx)
	grp.Go(func() error {
		pos := uint64(0)
		for pos < size {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			if skip := atomic.LoadUint64(&clientOffset); skip > pos {
				pos = skip
			}
			n := uint64(scanChunk)
			if size-pos < n {
				n = size - pos
			}
			_ = f.Next.Cache(gctx, h, n, pos)
			pos += n
		}
		return nil
	})

	f.mu.Lock()
	f.running[h] = cancel
	f.mu.Unlock()
	return &scanHandle{Handle: h, clientOffset: &clientOffset}, nil
}

type scanHandle struct {
	backend.Handle
	clientOffset *uint64
}

func unwrap(h backend.Handle) (backend.Handle, *uint64) {
	if sh, ok := h.(*scanHandle); ok {
		return sh.Handle, sh.clientOffset
	}
	return h, nil
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	inner, clientOffset := unwrap(h)
	if clientOffset != nil {
		if v := off + uint64(len(dst)); v > atomic.LoadUint64(clientOffset) {
			atomic.StoreUint64(clientOffset, v)
		}
	}
	return f.Next.Pread(ctx, inner, dst, off)
}

func (f *Filter) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	inner, _ := unwrap(h)
	return f.Next.GetSize(ctx, inner)
}

func (f *Filter) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	inner, _ := unwrap(h)
	return f.Next.Caps(ctx, inner)
}

func (f *Filter) Flush(ctx context.Context, h backend.Handle) error {
	inner, _ := unwrap(h)
	return f.Next.Flush(ctx, inner)
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	inner, _ := unwrap(h)
	return f.Next.Pwrite(ctx, inner, src, off, fua)
}

func (f *Filter) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	inner, _ := unwrap(h)
	return f.Next.Trim(ctx, inner, count, off, fua)
}

func (f *Filter) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	inner, _ := unwrap(h)
	return f.Next.Zero(ctx, inner, count, off, fastOnly, fua)
}

func (f *Filter) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	inner, _ := unwrap(h)
	return f.Next.Extents(ctx, inner, count, off, sink)
}

func (f *Filter) Cache(ctx context.Context, h backend.Handle, count, off uint64) error {
	inner, _ := unwrap(h)
	return f.Next.Cache(ctx, inner, count, off)
}

func (f *Filter) Prepare(ctx context.Context, h backend.Handle) error {
	inner, _ := unwrap(h)
	return f.Next.Prepare(ctx, inner)
}

func (f *Filter) Finalize(ctx context.Context, h backend.Handle) error {
	inner, _ := unwrap(h)
	return f.Next.Finalize(ctx, inner)
}

func (f *Filter) Close(ctx context.Context, h backend.Handle) error {
	inner, _ := unwrap(h)
	f.mu.Lock()
	cancel := f.running[h]
	delete(f.running, h)
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return f.Next.Close(ctx, inner)
}
