// Package readahead implements the read-ahead prefetch filter
// (spec.md §4.5.4): a background worker per connection drains a
// bounded command queue and issues .cache calls on the wrapped
// backend, replacing the C source's pthread+condvar queue with a
// buffered Go channel serviced by a goroutine managed through
// golang.org/x/sync/errgroup, the same pattern filter/scan uses for
// its background worker.
package readahead

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cznic/blockit/backend"
)

const queueDepth = 8

type cacheReq struct {
	off, len uint64
}

// worker owns one connection's read-ahead state and background
// goroutine.
type worker struct {
	mu       sync.Mutex
	window   uint64
	lastOff  uint64
	haveLast bool

	queue chan cacheReq
	grp   *errgroup.Group
	next  backend.Backend
	h     backend.Handle
}

const minWindow = 4096
const maxWindow = 1 << 24 // 16 MiB

func newWorker(ctx context.Context, next backend.Backend, h backend.Handle) *worker {
	w := &worker{window: minWindow, queue: make(chan cacheReq, queueDepth), next: next, h: h}
	grp, gctx := errgroup.WithContext(ctx)
	w.grp = grp
	grp.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case req, ok := <-w.queue:
				if !ok {
					return nil
				}
				_ = next.Cache(gctx, h, req.len, req.off)
			}
		}
	})
	return w
}

func (w *worker) onRead(off, length uint64) {
	w.mu.Lock()
	switch {
	case !w.haveLast:
		w.window = minWindow
	case w.lastOff < off:
		if w.window < maxWindow {
			w.window *= 2
		}
	default:
		w.window = minWindow
	}
	w.lastOff = off
	w.haveLast = true
	aheadOff := off + length
	aheadLen := w.window
	w.mu.Unlock()

	select {
	case w.queue <- cacheReq{off: aheadOff, len: aheadLen}:
	default:
		// Queue full: drop this prefetch hint rather than block the
		// foreground read path.
	}
}

func (w *worker) stop() {
	close(w.queue)
	w.grp.Wait()
}

// Filter is the read-ahead filter. It prefetches only when the wrapped
// backend advertises CacheNative; otherwise the filter is inert (reads
// still work, it simply never prefetches) rather than failing. The
// backend's thread model is not checked: the worker's Cache calls run
// concurrently with foreground requests on the same handle.
type Filter struct {
	backend.Forwarder

	mu      sync.Mutex
	workers map[backend.Handle]*worker
	active  bool
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next with a read-ahead prefetcher.
func New(next backend.Backend) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}, workers: map[backend.Handle]*worker{}}
}

func (f *Filter) Open(ctx context.Context, export string, readonly bool) (backend.Handle, error) {
	h, err := f.Next.Open(ctx, export, readonly)
	if err != nil {
		return nil, err
	}
	caps, err := f.Next.Caps(ctx, h)
	if err == nil && caps&backend.CacheNative != 0 {
		f.mu.Lock()
		f.workers[h] = newWorker(ctx, f.Next, h)
		f.active = true
		f.mu.Unlock()
	}
	return h, nil
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	if err := f.Next.Pread(ctx, h, dst, off); err != nil {
		return err
	}
	f.mu.Lock()
	w := f.workers[h]
	f.mu.Unlock()
	if w != nil {
		w.onRead(off, uint64(len(dst)))
	}
	return nil
}

func (f *Filter) Close(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	w := f.workers[h]
	delete(f.workers, h)
	f.mu.Unlock()
	if w != nil {
		w.stop()
	}
	return f.Next.Close(ctx, h)
}
