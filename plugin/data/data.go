// Package data implements the "data" plugin (spec.md §4.4, §4.6): a
// terminal, read-only Backend whose content is produced once by
// compiling and evaluating a data-expression string, then served out
// of the resulting in-memory allocator.
package data

import (
	"context"
	"sync"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/dataexpr"
	"github.com/cznic/blockit/params"
)

// Plugin is the data plugin's Backend. Compilation is deferred to
// Prepare (the Go analogue of nbdkit's get_ready callback) so that a
// malformed expression is reported during plugin start-up rather than
// at the first client read.
type Plugin struct {
	mu     sync.Mutex
	expr   string
	params params.Map
	ready  bool
	a      dataexprAllocator
	size   uint64
}

// dataexprAllocator is the subset of alloc.Allocator the data plugin
// needs; named locally to avoid importing alloc just for the type.
type dataexprAllocator interface {
	Read(dst []byte, off uint64) error
	Close() error
}

var _ backend.Backend = (*Plugin)(nil)

// New builds a data plugin. The required "expr" parameter holds the
// data-expression source; every other parameter is passed through
// unchanged as a $NAME resolver, per spec.md §13 Open Question #2.
func New(p params.Map) (*Plugin, error) {
	expr := p.String("expr", "")
	if expr == "" {
		return nil, bkerr.New("data.New", bkerr.InvalidArgument)
	}
	return &Plugin{expr: expr, params: p}, nil
}

func (p *Plugin) resolve(name string) (string, bool) {
	if v, ok := p.params[name]; ok {
		return v, true
	}
	return dataexpr.EnvResolver(name)
}

func (p *Plugin) ensureReady() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	arena, root, err := dataexpr.Parse(p.expr)
	if err != nil {
		return err
	}
	root = arena.Optimize(root)
	a, size, err := dataexpr.Eval(arena, root, p.resolve)
	if err != nil {
		return err
	}
	p.a, p.size, p.ready = a, size, true
	return nil
}

func (p *Plugin) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	return p.size, nil
}

func (p *Plugin) BlockSize(ctx context.Context) (uint32, uint32, uint32, error) {
	return 1, 4096, 0xffffffff, nil
}

func (p *Plugin) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	return backend.CanFlush | backend.CanExtents | backend.CanMultiConn, nil
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

func (p *Plugin) Prepare(ctx context.Context, h backend.Handle) error  { return p.ensureReady() }
func (p *Plugin) Finalize(ctx context.Context, h backend.Handle) error { return nil }

func (p *Plugin) Close(ctx context.Context, h backend.Handle) error { return nil }

func (p *Plugin) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.a.Read(dst, off)
}

func (p *Plugin) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	return bkerr.New("data.Pwrite", bkerr.Unsupported)
}

func (p *Plugin) Flush(ctx context.Context, h backend.Handle) error { return nil }

func (p *Plugin) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	return bkerr.New("data.Trim", bkerr.Unsupported)
}

func (p *Plugin) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	return bkerr.New("data.Zero", bkerr.Unsupported)
}

func (p *Plugin) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	// The expression's output is always fully materialized (no holes
	// survive evaluation), so the whole requested range is one
	// non-hole extent.
	end := off + count
	if end > p.size {
		end = p.size
	}
	if end <= off {
		return nil
	}
	return sink.Add(off, end-off, 0)
}

func (p *Plugin) Cache(ctx context.Context, h backend.Handle, count, off uint64) error { return nil }

// CloseAllocator releases the compiled allocator; callers that built a
// Plugin via New and never opened a client connection should still
// call this to avoid leaking the scratch state dataexpr.Eval created.
func (p *Plugin) CloseAllocator() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil
	}
	return p.a.Close()
}
