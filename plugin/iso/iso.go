// Package iso implements the "iso" plugin (spec.md §4.6): at Prepare
// it shells out to an external ISO-image generator over the given
// source directories/files, then serves reads from the generated
// image out of the OS page cache via a plain *os.File.
package iso

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/params"
)

// Plugin is the iso plugin's Backend.
type Plugin struct {
	mu       sync.Mutex
	genCmd   string   // "xorriso" or "mkisofs"
	genArgs  []string // extra generator flags, space-split from params
	sources  []string // directories/files to pack, from the "dir" parameter (repeatable via comma)
	ready    bool
	file     *os.File
	size     int64
}

var _ backend.Backend = (*Plugin)(nil)

// New builds an iso plugin. Recognized params: "generator" (default
// "xorriso"), "args" (extra flags, space-separated), "dir" (one or
// more source paths, comma-separated).
func New(p params.Map) (*Plugin, error) {
	dir := p.String("dir", "")
	if dir == "" {
		return nil, bkerr.New("iso.New", bkerr.InvalidArgument)
	}
	gen := p.String("generator", "xorriso")
	var sources []string
	start := 0
	for i := 0; i <= len(dir); i++ {
		if i == len(dir) || dir[i] == ',' {
			sources = append(sources, dir[start:i])
			start = i + 1
		}
	}
	var args []string
	if raw := p.String("args", ""); raw != "" {
		args = splitSpace(raw)
	}
	return &Plugin{genCmd: gen, genArgs: args, sources: sources}, nil
}

func splitSpace(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' {
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

	scratch, err := os.CreateTemp("", "blockit-iso-*")
	if err != nil {
		return bkerr.Newf("iso.Prepare", bkerr.IOError, err)
	}
	scratchPath := scratch.Name()
	scratch.Close()
	defer os.Remove(scratchPath)

	var genArgs []string
	switch p.genCmd {
	case "mkisofs", "genisoimage":
		genArgs = append(genArgs, "-o", scratchPath)
	default: // xorriso
		genArgs = append(genArgs, "-as", "mkisofs", "-o", scratchPath)
	}
	genArgs = append(genArgs, p.genArgs...)
	genArgs = append(genArgs, p.sources...)

	cmd := exec.Command(p.genCmd, genArgs...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return bkerr.Newf("iso.Prepare", bkerr.IOError, combinedError{cmd: p.genCmd, out: out, cause: err})
	}

	f, err := os.Open(scratchPath)
	if err != nil {
		return bkerr.Newf("iso.Prepare", bkerr.IOError, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return bkerr.Newf("iso.Prepare", bkerr.IOError, err)
	}
	// Unlink immediately: the open fd keeps the data alive until
	// Close, matching the cow/gzip filters' scratch-file convention.
	os.Remove(scratchPath)

	p.file, p.size, p.ready = f, st.Size(), true
	return nil
}

type combinedError struct {
	cmd   string
	out   []byte
	cause error
}

func (e combinedError) Error() string {
	return e.cmd + ": " + e.cause.Error() + ": " + string(e.out)
}

func (e combinedError) Unwrap() error { return e.cause }

func (p *Plugin) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	return uint64(p.size), nil
}

func (p *Plugin) BlockSize(ctx context.Context) (uint32, uint32, uint32, error) {
	return 1, 2048, 0xffffffff, nil
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

func (p *Plugin) Close(ctx context.Context, h backend.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		err := p.file.Close()
		p.file = nil
		p.ready = false
		return err
	}
	return nil
}

func (p *Plugin) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	n, err := p.file.ReadAt(dst, int64(off))
	if err != nil && n < len(dst) {
		return bkerr.AtCause("iso.Pread", bkerr.IOError, int64(off), err)
	}
	return nil
}

func (p *Plugin) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	return bkerr.New("iso.Pwrite", bkerr.Unsupported)
}

func (p *Plugin) Flush(ctx context.Context, h backend.Handle) error { return nil }

func (p *Plugin) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	return bkerr.New("iso.Trim", bkerr.Unsupported)
}

func (p *Plugin) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	return bkerr.New("iso.Zero", bkerr.Unsupported)
}

func (p *Plugin) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	end := off + count
	if end > uint64(p.size) {
		end = uint64(p.size)
	}
	if end <= off {
		return nil
	}
	return sink.Add(off, end-off, 0)
}

func (p *Plugin) Cache(ctx context.Context, h backend.Handle, count, off uint64) error { return nil }
