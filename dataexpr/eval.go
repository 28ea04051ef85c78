package dataexpr

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/edsrzf/mmap-go"

	"github.com/cznic/blockit/alloc"
	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/checked"
	"github.com/cznic/blockit/params"
)

// ParamResolver answers $NAME lookups during evaluation. plugin/data
// builds one that checks the parameters it was opened with, then
// falls back to os.Getenv, per spec.md §4.4.
type ParamResolver func(name string) (string, bool)

// EnvResolver is the fallback half of every ParamResolver: if name
// isn't a caller-supplied parameter, try the environment.
func EnvResolver(name string) (string, bool) { return os.LookupEnv(name) }

// scope is one \name -> subtree binding, chained to its parent so
// that Name can re-evaluate the subtree in exactly the dictionary that
// was active at the point of assignment (spec.md §4.4, "Evaluator").
type scope struct {
	parent   *scope
	name     string
	node     NodeID
	captured *scope
}

func (s *scope) lookup(name string) (*scope, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.name == name {
			return cur, true
		}
	}
	return nil, false
}

// Eval compiles the tree rooted at root into a freshly allocated
// "sparse" allocator and returns it along with the final size
// (max(size, offset) per spec.md, which can exceed the allocator's own
// high-water mark when the expression ends with a bare AbsOffset/
// AlignOffset that never writes).
func Eval(a *Arena, root NodeID, resolve ParamResolver) (alloc.Allocator, uint64, error) {
	out, err := alloc.NewSparse(params.Map{})
	if err != nil {
		return nil, 0, err
	}
	size, err := evalInto(a, root, out, resolve)
	if err != nil {
		out.Close()
		return nil, 0, err
	}
	return out, size, nil
}

// evalInto evaluates id into out starting at offset 0 and returns the
// final size.
func evalInto(a *Arena, id NodeID, out alloc.Allocator, resolve ParamResolver) (uint64, error) {
	var off, size uint64
	if _, err := evalNode(a, id, out, &off, &size, nil, resolve); err != nil {
		return 0, err
	}
	return size, nil
}

func bump(size *uint64, off uint64) {
	if off > *size {
		*size = off
	}
}

// evalNode evaluates id against out at *off, advancing *off and *size
// as it goes, and returns the scope that should be visible to whatever
// follows id in its enclosing List (unchanged for everything except
// Assign, which extends it).
func evalNode(a *Arena, id NodeID, out alloc.Allocator, off, size *uint64, sc *scope, resolve ParamResolver) (*scope, error) {
	n := a.At(id)

	switch n.Kind {
	case KNull:
		return sc, nil

	case KByte:
		if err := out.Write([]byte{n.Byte}, *off); err != nil {
			return sc, err
		}
		*off++
		bump(size, *off)
		return sc, nil

	case KString:
		if len(n.Str) == 0 {
			return sc, nil
		}
		if err := out.Write([]byte(n.Str), *off); err != nil {
			return sc, err
		}
		*off += uint64(len(n.Str))
		bump(size, *off)
		return sc, nil

	case KFill:
		if n.N <= 0 {
			return sc, nil
		}
		if err := out.Fill(n.Fill, uint64(n.N), *off); err != nil {
			return sc, err
		}
		*off += uint64(n.N)
		bump(size, *off)
		return sc, nil

	case KAbsOffset:
		if n.N < 0 {
			return sc, bkerr.New("dataexpr.eval", bkerr.InvalidArgument)
		}
		*off = uint64(n.N)
		bump(size, *off)
		return sc, nil

	case KRelOffset:
		signed := int64(*off) + n.N
		if signed < 0 {
			signed = 0
		}
		*off = uint64(signed)
		bump(size, *off)
		return sc, nil

	case KAlignOffset:
		if n.N <= 0 {
			return sc, bkerr.New("dataexpr.eval", bkerr.InvalidArgument)
		}
		aligned, err := checked.AlignUp("dataexpr.eval", *off, uint64(n.N))
		if err != nil {
			return sc, err
		}
		*off = aligned
		bump(size, *off)
		return sc, nil

	case KFile:
		if err := evalFileWindow(n.Str, 0, -1, out, off); err != nil {
			return sc, err
		}
		bump(size, *off)
		return sc, nil

	case KScript:
		if err := evalScript(n.Str, -1, out, off); err != nil {
			return sc, err
		}
		bump(size, *off)
		return sc, nil

	case KParam:
		val, ok := resolve(n.Str)
		if !ok {
			return sc, bkerr.Newf("dataexpr.eval", bkerr.InvalidArgument, fmt.Errorf("undefined parameter $%s", n.Str))
		}
		if err := out.Write([]byte(val), *off); err != nil {
			return sc, err
		}
		*off += uint64(len(val))
		bump(size, *off)
		return sc, nil

	case KList:
		cur := sc
		for _, item := range n.Items {
			var err error
			cur, err = evalNode(a, item, out, off, size, cur, resolve)
			if err != nil {
				return sc, err
			}
		}
		return sc, nil

	case KAssign:
		return &scope{parent: sc, name: n.Str, node: n.Child, captured: sc}, nil

	case KName:
		binding, ok := sc.lookup(n.Str)
		if !ok {
			return sc, bkerr.Newf("dataexpr.eval", bkerr.InvalidArgument, fmt.Errorf("undefined reference \\%s", n.Str))
		}
		sub, subSize, err := evalSubtree(a, binding.node, binding.captured, resolve)
		if err != nil {
			return sc, err
		}
		defer sub.Close()
		if err := alloc.Blit(sub, out, subSize, 0, *off); err != nil {
			return sc, err
		}
		*off += subSize
		bump(size, *off)
		return sc, nil

	case KRepeat:
		if n.N <= 0 {
			return sc, nil
		}
		// Slice(File)/Slice(Script) stream without a sub-allocator;
		// Repeat always needs one since it replays the same bytes N
		// times.
		sub, subSize, err := evalSubtree(a, n.Child, sc, resolve)
		if err != nil {
			return sc, err
		}
		defer sub.Close()
		for i := int64(0); i < n.N; i++ {
			if err := alloc.Blit(sub, out, subSize, 0, *off); err != nil {
				return sc, err
			}
			*off += subSize
		}
		bump(size, *off)
		return sc, nil

	case KSlice:
		lo := n.SliceLo
		child := a.At(n.Child)

		switch {
		case child.Kind == KFile:
			hi := n.SliceHi
			if lo < 0 {
				return sc, bkerr.New("dataexpr.eval", bkerr.InvalidArgument)
			}
			if err := evalFileWindow(child.Str, lo, hi, out, off); err != nil {
				return sc, err
			}
			bump(size, *off)
			return sc, nil

		case child.Kind == KScript && lo == 0:
			if err := evalScript(child.Str, n.SliceHi, out, off); err != nil {
				return sc, err
			}
			bump(size, *off)
			return sc, nil

		default:
			sub, subSize, err := evalSubtree(a, n.Child, sc, resolve)
			if err != nil {
				return sc, err
			}
			defer sub.Close()
			hi := n.SliceHi
			if hi == -1 {
				hi = int64(subSize)
			}
			if lo < 0 || hi > int64(subSize) || lo > hi {
				return sc, bkerr.Newf("dataexpr.eval", bkerr.InvalidArgument, fmt.Errorf("invalid slice [%d:%d] of %d bytes", lo, hi, subSize))
			}
			length := uint64(hi - lo)
			if length == 0 {
				return sc, nil
			}
			if err := alloc.Blit(sub, out, length, uint64(lo), *off); err != nil {
				return sc, err
			}
			*off += length
			bump(size, *off)
			return sc, nil
		}

	default:
		return sc, bkerr.Newf("dataexpr.eval", bkerr.InvalidArgument, fmt.Errorf("unevaluable node kind %d", n.Kind))
	}
}

// evalSubtree evaluates id into a fresh sparse allocator under sc and
// returns it along with its final size, for Repeat/Slice/Name.
func evalSubtree(a *Arena, id NodeID, sc *scope, resolve ParamResolver) (alloc.Allocator, uint64, error) {
	sub, err := alloc.NewSparse(params.Map{})
	if err != nil {
		return nil, 0, err
	}
	var off, size uint64
	if _, err := evalNode(a, id, sub, &off, &size, sc, resolve); err != nil {
		sub.Close()
		return nil, 0, err
	}
	return sub, size, nil
}

// evalFileWindow splices file[lo:hi) (hi == -1 means "to EOF")
// directly into out via mmap. The whole file is mapped at the size
// Stat reports when it is opened, and a window reaching past that
// size is an error; files that keep growing, and pipes or procfs
// entries (which report size 0), are not read past that size.
func evalFileWindow(path string, lo, hi int64, out alloc.Allocator, off *uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return bkerr.Newf("dataexpr.eval", bkerr.IOError, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return bkerr.Newf("dataexpr.eval", bkerr.IOError, err)
	}
	size := st.Size()
	if hi == -1 {
		hi = size
	}
	if lo < 0 || hi > size || lo > hi {
		return bkerr.Newf("dataexpr.eval", bkerr.InvalidArgument, fmt.Errorf("invalid slice [%d:%d] of file %q (%d bytes)", lo, hi, path, size))
	}
	if lo == hi {
		return nil
	}

	m, err := mmap.MapRegion(f, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		// Not every filesystem supports mmap; when mapping fails,
		// fall back to a seek+read of the same window.
		return evalFileWindowSeek(f, lo, hi, out, off)
	}
	defer m.Unmap()

	if err := out.Write(m[lo:hi], *off); err != nil {
		return err
	}
	*off += uint64(hi - lo)
	return nil
}

func evalFileWindowSeek(f *os.File, lo, hi int64, out alloc.Allocator, off *uint64) error {
	if _, err := f.Seek(lo, io.SeekStart); err != nil {
		return bkerr.Newf("dataexpr.eval", bkerr.IOError, err)
	}
	const chunk = 1 << 20
	remaining := hi - lo
	buf := make([]byte, chunk)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return bkerr.Newf("dataexpr.eval", bkerr.IOError, err)
		}
		if err := out.Write(buf[:n], *off); err != nil {
			return err
		}
		*off += uint64(n)
		remaining -= n
	}
	return nil
}

// evalScript runs pipeline through the shell and splices at most limit
// bytes of its standard output into out (limit == -1 means "all of
// it"). A zero-lower-bound Slice(Script) only needs the prefix, so the
// caller cancels the command once enough bytes have been read.
func evalScript(pipeline string, limit int64, out alloc.Allocator, off *uint64) error {
	cmd := exec.Command("/bin/sh", "-c", pipeline)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return bkerr.Newf("dataexpr.eval", bkerr.IOError, err)
	}
	if err := cmd.Start(); err != nil {
		return bkerr.Newf("dataexpr.eval", bkerr.IOError, err)
	}

	var r io.Reader = stdout
	if limit >= 0 {
		r = io.LimitReader(stdout, limit)
	}

	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if werr := out.Write(buf[:n], *off); werr != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return werr
			}
			*off += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return bkerr.Newf("dataexpr.eval", bkerr.IOError, rerr)
		}
	}

	if limit >= 0 {
		// Prefix satisfied; the process may still be producing
		// output we don't need.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil
	}
	if err := cmd.Wait(); err != nil {
		return bkerr.Newf("dataexpr.eval", bkerr.IOError, err)
	}
	return nil
}
