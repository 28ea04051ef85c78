// Package sparserandom implements the "sparse-random" plugin (spec.md
// §4.6): a deterministic pseudo-random hole/data block layout, useful
// as a copy-fidelity checker — reads return the same bytes every time
// for a given seed, and writes are verified against that expected
// content rather than stored, failing with an I/O error on the first
// mismatch.
package sparserandom

import (
	"context"
	"math/rand"

	"github.com/cznic/blockit/backend"
	"github.com/cznic/blockit/bkerr"
	"github.com/cznic/blockit/params"
)

// Plugin is the sparse-random plugin's Backend.
type Plugin struct {
	size      uint64
	blockSize uint64
	seed      int64

	// holeToData/dataToHole are the two Markov transition
	// probabilities; holeToData is the chance a hole block is
	// followed by a data block, dataToHole the chance a data block is
	// followed by a hole. Picking dataToHole = 1/meanRun and then
	// holeToData = dataToHole * pctData/(100-pctData) makes the
	// stationary distribution hit pctData while runs of the "data"
	// state average meanRun blocks, matching spec.md's "two Markov
	// transition probabilities chosen to hit a target percent-data
	// and mean run length".
	holeToData, dataToHole float64

	blocks uint64 // ceil(size / blockSize), precomputed layout length
}

var _ backend.Backend = (*Plugin)(nil)

// New builds a sparse-random plugin. Recognized params: "size"
// (required), "blocksize" (default 4096), "percent-data" (default 50),
// "mean-run" (mean consecutive data blocks, default 8), "seed"
// (default 0).
func New(p params.Map) (*Plugin, error) {
	size, err := p.Uint64("size", 0)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, bkerr.New("sparserandom.New", bkerr.InvalidArgument)
	}
	blockSize, err := p.Uint64("blocksize", 4096)
	if err != nil {
		return nil, err
	}
	pctData, err := p.Int("percent-data", 50)
	if err != nil {
		return nil, err
	}
	if pctData <= 0 || pctData >= 100 {
		return nil, bkerr.New("sparserandom.New", bkerr.InvalidArgument)
	}
	meanRun, err := p.Int("mean-run", 8)
	if err != nil {
		return nil, err
	}
	if meanRun < 1 {
		return nil, bkerr.New("sparserandom.New", bkerr.InvalidArgument)
	}
	seed, err := p.Int("seed", 0)
	if err != nil {
		return nil, err
	}

	dataToHole := 1.0 / float64(meanRun)
	holeToData := dataToHole * float64(pctData) / float64(100-pctData)
	if holeToData > 1 {
		holeToData = 1
	}

	blocks := (size + blockSize - 1) / blockSize
	return &Plugin{
		size: size, blockSize: blockSize, seed: int64(seed),
		holeToData: holeToData, dataToHole: dataToHole, blocks: blocks,
	}, nil
}

// isData reports whether block i holds data, deterministically, by
// replaying the Markov chain from block 0 using a seed-derived RNG.
// Cheap enough to recompute per call: a chain walk is one float
// compare per block, and callers only ever touch a handful of blocks
// per request.
func (p *Plugin) isData(i uint64) bool {
	r := rand.New(rand.NewSource(p.seed))
	state := false // block 0 starts in "hole"
	for n := uint64(0); n <= i; n++ {
		if n > 0 {
			var threshold float64
			if state {
				threshold = p.dataToHole
			} else {
				threshold = p.holeToData
			}
			if r.Float64() < threshold {
				state = !state
			}
		}
	}
	return state
}

// blockContent fills buf (exactly blockSize long, except possibly the
// final block) with the deterministic content for block i.
func (p *Plugin) blockContent(i uint64, buf []byte) {
	r := rand.New(rand.NewSource(p.seed ^ int64(i)<<1 ^ 0x5bd1e995))
	r.Read(buf)
}

func (p *Plugin) expected(dst []byte, off uint64) {
	for len(dst) > 0 {
		block := off / p.blockSize
		blockOff := off % p.blockSize
		blockLen := p.blockSize - blockOff
		if uint64(len(dst)) < blockLen {
			blockLen = uint64(len(dst))
		}
		if p.isData(block) {
			full := make([]byte, p.blockSize)
			p.blockContent(block, full)
			copy(dst[:blockLen], full[blockOff:blockOff+blockLen])
		} else {
			for i := uint64(0); i < blockLen; i++ {
				dst[i] = 0
			}
		}
		dst = dst[blockLen:]
		off += blockLen
	}
}

func (p *Plugin) GetSize(ctx context.Context, h backend.Handle) (uint64, error) { return p.size, nil }

func (p *Plugin) BlockSize(ctx context.Context) (uint32, uint32, uint32, error) {
	return 1, uint32(p.blockSize), 0xffffffff, nil
}

func (p *Plugin) Caps(ctx context.Context, h backend.Handle) (backend.Flag, error) {
	return backend.CanWrite | backend.CanFlush | backend.CanExtents | backend.CanMultiConn, nil
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
	p.expected(dst, off)
	return nil
}

// Pwrite never stores anything: it checks that src matches the
// deterministic expected content, so the plugin acts as a
// copy-fidelity oracle rather than a writable disk.
func (p *Plugin) Pwrite(ctx context.Context, h backend.Handle, src []byte, off uint64, fua bool) error {
	want := make([]byte, len(src))
	p.expected(want, off)
	for i := range src {
		if src[i] != want[i] {
			return bkerr.At("sparserandom.Pwrite", bkerr.IOError, int64(off)+int64(i))
		}
	}
	return nil
}

func (p *Plugin) Flush(ctx context.Context, h backend.Handle) error { return nil }

func (p *Plugin) Trim(ctx context.Context, h backend.Handle, count, off uint64, fua bool) error {
	return nil
}

func (p *Plugin) Zero(ctx context.Context, h backend.Handle, count, off uint64, fastOnly, fua bool) error {
	return bkerr.New("sparserandom.Zero", bkerr.Unsupported)
}

func (p *Plugin) Extents(ctx context.Context, h backend.Handle, count, off uint64, sink backend.ExtentSink) error {
	end := off + count
	if end > p.size {
		end = p.size
	}
	for off < end {
		block := off / p.blockSize
		runStart := off
		data := p.isData(block)
		for off < end && p.isData(off/p.blockSize) == data {
			off += p.blockSize - off%p.blockSize
		}
		if off > end {
			off = end
		}
		var flags backend.ExtentFlag
		if !data {
			flags = backend.ExtentHole | backend.ExtentZero
		}
		if err := sink.Add(runStart, off-runStart, flags); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) Cache(ctx context.Context, h backend.Handle, count, off uint64) error { return nil }
