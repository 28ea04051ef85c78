// Package gzip implements the gzip filter (spec.md §4.5.8): on the
// first Prepare it streams the whole wrapped backend through a gzip
// inflater into a scratch file, under one process-wide mutex so
// concurrent opens share a single inflate; afterward it forces the
// backend read-only and serves reads from the scratch file.
package gzip

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
)

var globalMu sync.Mutex

// Filter is the gzip decompression adapter.
type Filter struct {
	backend.Forwarder

	mu       sync.Mutex
	ready    bool
	scratch  *os.File
	size     int64
	wantSize uint64 // backend size observed at first prepare; later opens must match
}

var _ backend.Backend = (*Filter)(nil)

// New wraps next, which must serve the gzip-compressed image bytes.
func New(next backend.Backend) *Filter {
	return &Filter{Forwarder: backend.Forwarder{Next: next}}
}

func (f *Filter) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	caps, err := f.Next.Caps(ctx, h)
	if err != nil {
		return 0, err
	}
	caps &^= backend.CanWrite | backend.CanExtents
	caps |= backend.CacheNative
	return caps, nil
}

func (f *Filter) Prepare(ctx context.Context, h backend.Handle) error {
	backendSize, err := f.Next.GetSize(ctx, h)
	if err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ready {
		if backendSize != f.wantSize {
			logrus.WithFields(logrus.Fields{"want": f.wantSize, "got": backendSize}).Warn("gzip: backend size changed after first inflate")
			return bkerr.New("gzip.Prepare", bkerr.Corrupted)
		}
		return nil
	}

	logrus.WithField("backend_size", backendSize).Debug("gzip: inflating whole backend into scratch file")
	sf, err := os.CreateTemp(os.TempDir(), "blockit-gzip-*")
	if err != nil {
		return bkerr.Newf("gzip.Prepare", bkerr.IOError, err)
	}
	os.Remove(sf.Name())

	raw := make([]byte, backendSize)
	if err := f.Next.Pread(ctx, h, raw, 0); err != nil {
		sf.Close()
		return err
	}
	zr, err := gzip.NewReader(&byteReader{raw})
	if err != nil {
		sf.Close()
		return bkerr.Newf("gzip.Prepare", bkerr.Corrupted, err)
	}
	n, err := io.Copy(sf, zr)
	zr.Close()
	if err != nil {
		sf.Close()
		return bkerr.Newf("gzip.Prepare", bkerr.Corrupted, err)
	}

	f.scratch = sf
	f.size = n
	f.wantSize = backendSize
	f.ready = true
	return nil
}

type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

func (f *Filter) GetSize(ctx context.Context, h backend.Handle) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return 0, bkerr.New("gzip.GetSize", bkerr.Unsupported)
	}
	return uint64(f.size), nil
}

func (f *Filter) Pread(ctx context.Context, h backend.Handle, dst []byte, off uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return bkerr.New("gzip.Pread", bkerr.Unsupported)
	}
	if _, err := f.scratch.ReadAt(dst, int64(off)); err != nil {
		return bkerr.AtCause("gzip.Pread", bkerr.IOError, int64(off), err)
	}
	return nil
}

func (f *Filter) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	return bkerr.New("gzip.Pwrite", bkerr.Unsupported)
}

func (f *Filter) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	return sink.Add(off, count, 0)
}

func (f *Filter) Close(ctx context.Context, h backend.Handle) error {
	return f.Next.Close(ctx, h)
}
