// Package blkio implements the "blkio" plugin (spec.md §4.6): a thin
// bridge to a libblkio-style block device driver. libblkio itself has
// no Go binding in this module's dependency pack, so Device is the
// injection seam a real cgo/FFI binding would sit behind; the plugin
// logic — request sizing, the bounce-buffer allocation a driver may
// demand, and the serialize-requests thread model — is fully
// implemented and exercised against an in-memory Device in tests.
package blkio

import (
	"context"
	"sync"

	"github.com/cznic/blockit/alloc"
	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/params"
)

// Device is the seam a real libblkio binding would implement. Offsets
// and counts are bytes; NeedsBounceBuffer reports whether the driver
// requires the caller to supply memory it allocated itself (some
// libblkio drivers, e.g. io_uring with registered buffers, do).
type Device interface {
	Size() (uint64, error)
	ReadAt(dst []byte, off uint64) error
	WriteAt(src []byte, off uint64) error
	Flush() error
	NeedsBounceBuffer() bool
	Close() error
}

// maxRequest mirrors spec.md's "limits requests to <= 64 MiB" rule.
const maxRequest = 64 << 20

// Plugin is the blkio plugin's Backend. Thread model:
// serialize-requests — libblkio device handles are not documented as
// thread-safe, so every call takes the single mutex.
type Plugin struct {
	mu     sync.Mutex
	dev    Device
	bounce alloc.Allocator // lazily created only if dev.NeedsBounceBuffer()
}

var _ backend.Backend = (*Plugin)(nil)

// New wraps an already-constructed Device. Real deployments build dev
// from a libblkio driver name and properties read out of p; that
// construction step is outside this module's scope (see DESIGN.md).
func New(dev Device, p params.Map) (*Plugin, error) {
	if dev == nil {
		return nil, bkerr.New("blkio.New", bkerr.InvalidArgument)
	}
	if err := p.Reject(); err != nil {
		return nil, err
	}
	return &Plugin{dev: dev}, nil
}

func (p *Plugin) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev.Size()
}

func (p *Plugin) BlockSize(ctx context.Context) (uint32, uint32, uint32, error) {
	return 1, 4096, maxRequest, nil
}

func (p *Plugin) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	return backend.CanWrite | backend.CanFlush, nil
}

func (p *Plugin) Preconnect(ctx context.Context, readonly bool) error { return nil }

func (p *Plugin) ListExports(ctx context.Context) ([]backend.Export, error) {
	return []backend.Export{{Name: ""}}, nil
}

func (p *Plugin) DefaultExport(ctx context.Context) (backend.Export, error) {
	return backend.Export{Name: ""}, nil
}

func (p *Plugin) Open(ctx context.Context, export string, readonly bool) (backend.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev.NeedsBounceBuffer() && p.bounce == nil {
		b, err := alloc.NewMalloc(params.Map{})
		if err != nil {
			return nil, err
		}
		p.bounce = b
	}
	return p, nil
}

func (p *Plugin) Prepare(ctx context.Context, h backend.Handle) error  { return nil }
func (p *Plugin) Finalize(ctx context.Context, h backend.Handle) error { return nil }

func (p *Plugin) Close(ctx context.Context, h backend.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bounce != nil {
		p.bounce.Close()
		p.bounce = nil
	}
	return p.dev.Close()
}

func (p *Plugin) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	if len(dst) > maxRequest {
		return bkerr.New("blkio.Pread", bkerr.InvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dev.NeedsBounceBuffer() {
		return p.dev.ReadAt(dst, off)
	}
	if err := p.bounce.Write(make([]byte, len(dst)), 0); err != nil {
		return err
	}
	if err := p.dev.ReadAt(dst, off); err != nil {
		return err
	}
	return p.bounce.Write(dst, 0)
}

func (p *Plugin) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	if len(src) > maxRequest {
		return bkerr.New("blkio.Pwrite", bkerr.InvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dev.NeedsBounceBuffer() {
		if err := p.dev.WriteAt(src, off); err != nil {
			return err
		}
	} else {
		if err := p.bounce.Write(src, 0); err != nil {
			return err
		}
		staged := make([]byte, len(src))
		if err := p.bounce.Read(staged, 0); err != nil {
			return err
		}
		if err := p.dev.WriteAt(staged, off); err != nil {
			return err
		}
	}
	if fua {
		return p.dev.Flush()
	}
	return nil
}

func (p *Plugin) Flush(ctx context.Context, h backend.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev.Flush()
}

func (p *Plugin) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	return bkerr.New("blkio.Trim", bkerr.Unsupported)
}

func (p *Plugin) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	return bkerr.New("blkio.Zero", bkerr.Unsupported)
}

func (p *Plugin) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	return bkerr.New("blkio.Extents", bkerr.Unsupported)
}

func (p *Plugin) Cache(ctx context.Context, h backend.Handle, count, off uint64) error { return nil }
