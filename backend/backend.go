// Package backend defines the fixed operation set every filter and
// plugin implements (spec.md §4.5), the Go generalization of the
// teacher's github.com/cznic/exp/lldb.Filer/InnerFiler decorator: a
// Filer is a flat []byte-like store any number of InnerFilers can
// wrap to translate addressing; a Backend is the same idea widened to
// a full NBD-style verb set (size, capability flags, connection
// lifecycle, data verbs) so that cow/cache/blocksize/... can each
// wrap a `next` Backend and forward, transform, or answer locally.
package backend

import "context"

// Flag is a bitmask of capability/behavior flags exchanged between a
// Backend and its caller (spec.md's can_write/can_trim/... family,
// collapsed into one type since they are queried and transformed
// together by every filter).
type Flag uint32

const (
	CanWrite Flag = 1 << iota
	CanFlush
	CanTrim
	CanZero
	CanFastZero
	CanExtents
	CanCache
	CanFUA
	CanMultiConn
	// CacheNative, set via CanCache, tells the caller (and any outer
	// cache-like filter) that this backend already caches natively and
	// must not be wrapped by another caching layer.
	CacheNative
)

// Export describes one exported virtual disk, the unit of
// list_exports/default_export (spec.md §4.5).
type Export struct {
	Name        string
	Description string
}

// ExtentFlag describes one sub-range reported by Extents: whether it
// has no backing storage (hole) and/or reads as zero. Distinct from
// Flag (capabilities) since a single Extents call reports per-range
// state, not backend-wide capabilities.
type ExtentFlag uint8

const (
	ExtentHole ExtentFlag = 1 << iota
	ExtentZero
)

// ExtentSink receives (offset, length, flags) runs from Extents.
type ExtentSink interface {
	Add(offset, length uint64, flags ExtentFlag) error
}

// Handle is a single open connection's private state, returned by
// Open and passed back into every subsequent per-connection call.
type Handle interface{}

// Backend is the operation set every filter and every plugin
// implements (spec.md §4.5's fixed list). Filters embed a `next`
// Backend (see Forwarder) and override only the methods whose
// behavior they change.
type Backend interface {
	// GetSize reports the virtual disk size in bytes.
	GetSize(ctx context.Context, h Handle) (uint64, error)
	// BlockSize reports (minimum, preferred, maximum) block sizes.
	BlockSize(ctx context.Context) (min, preferred, max uint32, err error)
	// Caps reports the capability flags for h (or the backend as a
	// whole, for handle-independent queries, when h is nil).
	Caps(ctx context.Context, h Handle) (Flag, error)

	Preconnect(ctx context.Context, readonly bool) error
	ListExports(ctx context.Context) ([]Export, error)
	DefaultExport(ctx context.Context) (Export, error)

	Open(ctx context.Context, export string, readonly bool) (Handle, error)
	Prepare(ctx context.Context, h Handle) error
	Finalize(ctx context.Context, h Handle) error
	Close(ctx context.Context, h Handle) error

	Pread(ctx context.Context, h Handle, dst []byte, off uint64) error
	Pwrite(ctx context.Context, h Handle, src []byte, off uint64, fua bool) error
	Flush(ctx context.Context, h Handle) error
	Trim(ctx context.Context, h Handle, count, off uint64, fua bool) error
	Zero(ctx context.Context, h Handle, count, off uint64, fastOnly, fua bool) error
	Extents(ctx context.Context, h Handle, count, off uint64, sink ExtentSink) error
	Cache(ctx context.Context, h Handle, count, off uint64) error
}

// Forwarder is embedded by every filter to get a default
// pass-everything-to-next implementation of Backend; the filter then
// overrides whichever methods it needs to change, exactly as
// InnerFiler lets lldb's transactional wrappers override only
// ReadAt/WriteAt/Size while inheriting the rest. Next is exported so a
// filter's constructor can set it directly.
type Forwarder struct {
	Next Backend
}

var _ Backend = (*Forwarder)(nil)

func (f *Forwarder) GetSize(ctx context.Context, h Handle) (uint64, error) { return f.Next.GetSize(ctx, h) }
func (f *Forwarder) BlockSize(ctx context.Context) (uint32, uint32, uint32, error) {
	return f.Next.BlockSize(ctx)
}
func (f *Forwarder) Caps(ctx context.Context, h Handle) (Flag, error) { return f.Next.Caps(ctx, h) }
func (f *Forwarder) Preconnect(ctx context.Context, readonly bool) error {
	return f.Next.Preconnect(ctx, readonly)
}
func (f *Forwarder) ListExports(ctx context.Context) ([]Export, error) { return f.Next.ListExports(ctx) }
func (f *Forwarder) DefaultExport(ctx context.Context) (Export, error) { return f.Next.DefaultExport(ctx) }
func (f *Forwarder) Open(ctx context.Context, export string, readonly bool) (Handle, error) {
	return f.Next.Open(ctx, export, readonly)
}
func (f *Forwarder) Prepare(ctx context.Context, h Handle) error  { return f.Next.Prepare(ctx, h) }
func (f *Forwarder) Finalize(ctx context.Context, h Handle) error { return f.Next.Finalize(ctx, h) }
func (f *Forwarder) Close(ctx context.Context, h Handle) error    { return f.Next.Close(ctx, h) }
func (f *Forwarder) Pread(ctx context.Context, h Handle, dst []byte, off uint64) error {
	return f.Next.Pread(ctx, h, dst, off)
}
func (f *Forwarder) Pwrite(ctx context.Context, h Handle, src []byte, off uint64, fua bool) error {
	return f.Next.Pwrite(ctx, h, src, off, fua)
}
func (f *Forwarder) Flush(ctx context.Context, h Handle) error { return f.Next.Flush(ctx, h) }
func (f *Forwarder) Trim(ctx context.Context, h Handle, count, off uint64, fua bool) error {
	return f.Next.Trim(ctx, h, count, off, fua)
}
func (f *Forwarder) Zero(ctx context.Context, h Handle, count, off uint64, fastOnly, fua bool) error {
	return f.Next.Zero(ctx, h, count, off, fastOnly, fua)
}
func (f *Forwarder) Extents(ctx context.Context, h Handle, count, off uint64, sink ExtentSink) error {
	return f.Next.Extents(ctx, h, count, off, sink)
}
func (f *Forwarder) Cache(ctx context.Context, h Handle, count, off uint64) error {
	return f.Next.Cache(ctx, h, count, off)
}
