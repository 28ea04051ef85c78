// Package memory implements the "memory" plugin (spec.md §4.6): a
// terminal Backend serving every request straight from one of the
// alloc package's allocators, configurable via the same
// type[,key=value...] parameter syntax as the allocators themselves.
package memory

import (
	"context"
	"sync"

	"github.com/cznic/blockit/alloc"
	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/params"
)

// Plugin is the memory plugin's Backend.
type Plugin struct {
	mu   sync.RWMutex
	a    alloc.Allocator
	size uint64 // fixed virtual size; 0 means "track the allocator's high-water mark"
}

var _ backend.Backend = (*Plugin)(nil)

// New builds a memory plugin. Recognized params: "allocator" (one of
// malloc/sparse/zstd, default "sparse"), "size" (fixed virtual disk
// size; 0, the default, means the size tracks the allocator's
// high-water mark), plus whatever params the chosen allocator itself
// recognizes.
func New(p params.Map) (*Plugin, error) {
	typ := p.String("allocator", "sparse")
	size, err := p.Uint64("size", 0)
	if err != nil {
		return nil, err
	}
	ap := params.Map{}
	for k, v := range p {
		if k != "allocator" && k != "size" {
			ap[k] = v
		}
	}
	a, err := alloc.Create(typ, ap)
	if err != nil {
		return nil, err
	}
	if size != 0 {
		if err := a.SetSizeHint(size); err != nil {
			return nil, err
		}
	}
	return &Plugin{a: a, size: size}, nil
}

func (p *Plugin) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	if p.size != 0 {
		return p.size, nil
	}
	return p.a.Size(), nil
}

func (p *Plugin) BlockSize(ctx context.Context) (uint32, uint32, uint32, error) {
	return 1, 4096, 0xffffffff, nil
}

func (p *Plugin) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	return backend.CanWrite | backend.CanFlush | backend.CanTrim | backend.CanZero |
		backend.CanFastZero | backend.CanExtents | backend.CanMultiConn, nil
}

func (p *Plugin) Preconnect(ctx context.Context, readonly bool) error { return nil }

func (p *Plugin) ListExports(ctx context.Context) ([]backend.Export, error) {
	return []backend.Export{{Name: ""}}, nil
}

func (p *Plugin) DefaultExport(ctx context.Context) (backend.Export, error) {
	return backend.Export{Name: ""}, nil
}

func (p *Plugin) Open(ctx context.Context, export string, readonly bool) (backend.Handle, error) {
	return p, nil
}

func (p *Plugin) Prepare(ctx context.Context, h backend.Handle) error  { return nil }
func (p *Plugin) Finalize(ctx context.Context, h backend.Handle) error { return nil }
func (p *Plugin) Close(ctx context.Context, h backend.Handle) error    { return nil }

func (p *Plugin) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.a.Read(dst, off)
}

func (p *Plugin) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size != 0 && off+uint64(len(src)) > p.size {
		return bkerr.At("memory.Pwrite", bkerr.OutOfRange, int64(off))
	}
	return p.a.Write(src, off)
}

func (p *Plugin) Flush(ctx context.Context, h backend.Handle) error { return nil }

func (p *Plugin) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.a.Zero(count, off)
}

func (p *Plugin) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.a.Zero(count, off)
}

type sinkAdapter struct {
	sink backend.ExtentSink
}

func (s sinkAdapter) Add(e alloc.Extent) error {
	var fl backend.ExtentFlag
	if e.Flags&alloc.ExtentHole != 0 {
		fl |= backend.ExtentHole
	}
	if e.Flags&alloc.ExtentZero != 0 {
		fl |= backend.ExtentZero
	}
	return s.sink.Add(e.Offset, e.Length, fl)
}

func (p *Plugin) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.a.Extents(count, off, sinkAdapter{sink})
}

// Cache is a no-op: an in-memory allocator has nothing to prefetch.
func (p *Plugin) Cache(ctx context.Context, h backend.Handle, count, off uint64) error {
	return nil
}

// CloseAllocator releases the underlying allocator.
func (p *Plugin) CloseAllocator() error { return p.a.Close() }
