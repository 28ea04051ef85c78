// Package cc implements the "cc" plugin (spec.md §4.6, supplemented
// per SPEC_FULL.md §12.1): the original nbdkit cc plugin compiles a
// user .c file and dlsyms every callback name out of the resulting
// .so. There is no cgo/dlopen analogue worth reaching for here — the
// stdlib "plugin" package is the native Go mechanism for exactly this
// job — so this plugin instead `go build -buildmode=plugin`s a
// user-supplied .go file and loads it with that package, forwarding
// every Backend call through direct interface dispatch once loaded.
package cc

import (
	"context"
	"os"
	"os/exec"
	pluginpkg "plugin"
	"sync"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/params"
)

// Symbol is the name every source file built by this plugin must
// export: a package-level function returning a backend.Backend.
const Symbol = "NewBackend"

// Plugin compiles source at Prepare, loads the resulting shared
// object, and forwards every call to the backend.Backend it exports.
type Plugin struct {
	source  string
	compiler string
	flags    []string

	mu     sync.Mutex
	ready  bool
	inner  backend.Backend
	soPath string
}

var _ backend.Backend = (*Plugin)(nil)

// New builds a cc plugin. Recognized params: "source" (required .go
// file path), "compiler" (default "go"), "flags" (extra space
// separated go-build flags).
func New(p params.Map) (*Plugin, error) {
	source := p.String("source", "")
	if source == "" {
		return nil, bkerr.New("cc.New", bkerr.InvalidArgument)
	}
	compiler := p.String("compiler", "go")
	var flags []string
	if raw := p.String("flags", ""); raw != "" {
		flags = splitSpace(raw)
	}
	return &Plugin{source: source, compiler: compiler, flags: flags}, nil
}

func splitSpace(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

func (p *Plugin) ensureReady() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}

	so, err := os.CreateTemp("", "blockit-cc-*.so")
	if err != nil {
		return bkerr.Newf("cc.Prepare", bkerr.IOError, err)
	}
	soPath := so.Name()
	so.Close()
	os.Remove(soPath)

	args := append([]string{"build", "-buildmode=plugin", "-o", soPath}, p.flags...)
	args = append(args, p.source)
	cmd := exec.Command(p.compiler, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return bkerr.Newf("cc.Prepare", bkerr.IOError, buildError{out: out, cause: err})
	}
	defer os.Remove(soPath)

	lib, err := pluginpkg.Open(soPath)
	if err != nil {
		return bkerr.Newf("cc.Prepare", bkerr.IOError, err)
	}
	sym, err := lib.Lookup(Symbol)
	if err != nil {
		return bkerr.Newf("cc.Prepare", bkerr.InvalidArgument, err)
	}
	ctor, ok := sym.(func() backend.Backend)
	if !ok {
		return bkerr.New("cc.Prepare", bkerr.InvalidArgument)
	}

	p.inner = ctor()
	p.soPath = soPath
	p.ready = true
	return nil
}

type buildError struct {
	out   []byte
	cause error
}

func (e buildError) Error() string { return e.cause.Error() + ": " + string(e.out) }
func (e buildError) Unwrap() error { return e.cause }

func (p *Plugin) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	return p.inner.GetSize(ctx, h)
}

func (p *Plugin) BlockSize(ctx context.Context) (uint32, uint32, uint32, error) {
	if err := p.ensureReady(); err != nil {
		return 0, 0, 0, err
	}
	return p.inner.BlockSize(ctx)
}

func (p *Plugin) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	return p.inner.Caps(ctx, h)
}

func (p *Plugin) Preconnect(ctx context.Context, readonly bool) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.inner.Preconnect(ctx, readonly)
}

func (p *Plugin) ListExports(ctx context.Context) ([]backend.Export, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	return p.inner.ListExports(ctx)
}

func (p *Plugin) DefaultExport(ctx context.Context) (backend.Export, error) {
	if err := p.ensureReady(); err != nil {
		return backend.Export{}, err
	}
	return p.inner.DefaultExport(ctx)
}

func (p *Plugin) Open(ctx context.Context, export string, readonly bool) (backend.Handle, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	return p.inner.Open(ctx, export, readonly)
}

func (p *Plugin) Prepare(ctx context.Context, h backend.Handle) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.inner.Prepare(ctx, h)
}

func (p *Plugin) Finalize(ctx context.Context, h backend.Handle) error {
	return p.inner.Finalize(ctx, h)
}

func (p *Plugin) Close(ctx context.Context, h backend.Handle) error {
	return p.inner.Close(ctx, h)
}

func (p *Plugin) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	return p.inner.Pread(ctx, h, dst, off)
}

func (p *Plugin) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	return p.inner.Pwrite(ctx, h, src, off, fua)
}

func (p *Plugin) Flush(ctx context.Context, h backend.Handle) error { return p.inner.Flush(ctx, h) }

func (p *Plugin) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	return p.inner.Trim(ctx, h, count, off, fua)
}

func (p *Plugin) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	return p.inner.Zero(ctx, h, count, off, fastOnly, fua)
}

func (p *Plugin) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	return p.inner.Extents(ctx, h, count, off, sink)
}

func (p *Plugin) Cache(ctx context.Context, h backend.Handle, count, off uint64) error {
	return p.inner.Cache(ctx, h, count, off)
}
