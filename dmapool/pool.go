package dmapool

import (
	"fmt"
	"os"
	"sync"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/internal/align"
	"github.com/busdma/dmakit/vmem"
)

// Runtime debug flag for pool logging - controlled by DMAKIT_LOG_POOL env var.
var logPool = os.Getenv("DMAKIT_LOG_POOL") != ""

// Options configure a Pool beyond its block geometry. A nil pointer and
// the zero value both mean defaults.
type Options struct {
	// PageSize is the granularity of backing segments: import requests
	// are rounded up to it. Defaults to the platform page size.
	PageSize int
}

// Pool hands out fixed-size blocks of device-reachable memory. Blocks
// are carved from coarse backing segments acquired on demand through
// the pool's tag; each block is contiguous, aligned, and addressable
// both by the CPU ([]byte view) and by the device (dma.Addr handle).
//
// All methods are safe for concurrent use except Destroy, which the
// caller must serialize as the terminal operation.
type Pool struct {
	name      string
	tag       dma.Tag
	blockSize uint64
	align     uint64
	boundary  uint64
	pageSize  uint64

	// arena manages the device address space: every segment's device
	// range is a span, every block a carved range. Its quantum is the
	// block alignment, so arena addresses are aligned for free.
	arena *vmem.Arena

	mu   sync.Mutex
	segs []*segment // ordered by dev.Addr, ranges pairwise disjoint
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	BlockSize    uint64     // block size in bytes, as configured
	BlocksInUse  uint64     // blocks allocated and not yet freed
	Segments     int        // backing segments acquired so far
	SegmentBytes uint64     // total backing bytes across all segments
	Arena        vmem.Stats // underlying address arena counters
}

// New creates an empty pool of blockSize-byte blocks on tag.
//
// Every block is aligned to alignment; zero means byte alignment, and
// the alignment cannot exceed the segment page size. A non-zero
// boundary guarantees no block crosses a boundary-aligned line of that
// many bytes and must be a power of two no smaller than the aligned
// block size. No backing memory is acquired until the first
// allocation.
func New(name string, tag dma.Tag, blockSize, alignment, boundary uint64, opts *Options) (*Pool, error) {
	if tag == nil {
		return nil, ErrNilTag
	}
	if blockSize == 0 {
		return nil, ErrBadBlockSize
	}
	if alignment == 0 {
		alignment = 1
	}
	if !align.IsPow2(alignment) {
		return nil, fmt.Errorf("%w: %d", ErrBadAlign, alignment)
	}
	stride := align.Up(blockSize, alignment)
	if boundary != 0 && (!align.IsPow2(boundary) || boundary < stride) {
		return nil, fmt.Errorf("%w: boundary %d, aligned block %d", ErrBadBoundary, boundary, stride)
	}

	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.PageSize == 0 {
		o.PageSize = os.Getpagesize()
	}
	// Backing regions are only guaranteed page-aligned, so the pool
	// cannot promise a stricter block alignment than that.
	if alignment > uint64(o.PageSize) {
		return nil, fmt.Errorf("%w: alignment %d exceeds page size %d",
			ErrBadAlign, alignment, o.PageSize)
	}

	p := &Pool{
		name:      name,
		tag:       tag,
		blockSize: blockSize,
		align:     alignment,
		boundary:  boundary,
		pageSize:  uint64(o.PageSize),
	}
	// No release callback: Destroy tears segments down itself, in
	// order, with the handles only the pool holds.
	arena, err := vmem.New(name, alignment, vmem.WithImport(p.importSegment, nil))
	if err != nil {
		return nil, err
	}
	p.arena = arena
	return p, nil
}

// Name returns the pool name used in logs and panics.
func (p *Pool) Name() string {
	return p.name
}

// BlockSize returns the configured block size in bytes.
func (p *Pool) BlockSize() uint64 {
	return p.blockSize
}

// Alloc carves one block and returns its CPU view and device handle.
// The view is exactly BlockSize bytes with its capacity clamped, so it
// cannot be resliced into a neighboring block.
//
// WaitOK (the default when neither wait flag is set) blocks until
// memory is available. NoWait fails fast with an error wrapping
// vmem.ErrNoMemory, preserving the tag's error underneath. ZeroFill
// clears the block before returning it.
func (p *Pool) Alloc(flags dma.Flags) ([]byte, dma.Addr, error) {
	vflags, err := vmemFlags(flags)
	if err != nil {
		return nil, 0, err
	}

	addr, err := p.arena.Alloc(p.blockSize, p.align, p.boundary, vflags)
	if err != nil {
		return nil, 0, err
	}

	handle := dma.Addr(addr)
	s := p.findSegment(handle)
	off := int(handle - s.dev.Addr)
	bs := int(p.blockSize)
	buf := s.virt[off : off+bs : off+bs]

	if flags.Has(dma.ZeroFill) {
		clear(buf)
	}
	if logPool {
		fmt.Fprintf(os.Stderr, "[POOL] %s: alloc %#x\n", p.name, uint64(handle))
	}
	return buf, handle, nil
}

// Zalloc is Alloc with ZeroFill set.
func (p *Pool) Zalloc(flags dma.Flags) ([]byte, dma.Addr, error) {
	return p.Alloc(flags | dma.ZeroFill)
}

// Free returns a block to the pool. The handle must come from Alloc on
// this pool and must not have been freed already; violations panic.
// Backing segments are retained for reuse, never released here.
func (p *Pool) Free(handle dma.Addr) {
	// Resolve first so a foreign handle panics with pool context
	// instead of deep inside the arena.
	p.findSegment(handle)
	p.arena.Free(vmem.Addr(handle), p.blockSize)
	if logPool {
		fmt.Fprintf(os.Stderr, "[POOL] %s: free %#x\n", p.name, uint64(handle))
	}
}

// Sync performs cache synchronization for one block around a DMA
// transfer: PRE ops before handing the block to the device, POST ops
// after the device is done with it. ops must name at least one known
// operation and must not mix PRE with POST; misuse panics.
//
// The segment is resolved under the pool lock but the sync runs outside
// it. Segments never go away before Destroy, and holding the lock here
// would serialize every sync on the pool.
func (p *Pool) Sync(handle dma.Addr, ops dma.SyncOp) {
	if err := ops.Validate(); err != nil {
		panic(fmt.Sprintf("dmapool %q: %v", p.name, err))
	}
	s := p.findSegment(handle)
	off := int(handle - s.dev.Addr)
	s.m.Sync(off, int(p.blockSize), ops)
}

// Destroy releases every backing segment in reverse acquisition order
// and destroys the address arena. Outstanding blocks are abandoned;
// their memory disappears with the segments. Not safe to call
// concurrently with any other pool operation.
func (p *Pool) Destroy() {
	p.mu.Lock()
	segs := p.segs
	p.segs = nil
	p.mu.Unlock()

	for _, s := range segs {
		s.teardown(p.tag)
	}
	p.arena.Destroy()

	if logPool {
		fmt.Fprintf(os.Stderr, "[POOL] %s: destroyed (%d segments)\n", p.name, len(segs))
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	ast := p.arena.Stats()
	p.mu.Lock()
	segs := len(p.segs)
	var total uint64
	for _, s := range p.segs {
		total += uint64(s.dev.Len)
	}
	p.mu.Unlock()
	return Stats{
		BlockSize:    p.blockSize,
		BlocksInUse:  ast.Allocs - ast.Frees,
		Segments:     segs,
		SegmentBytes: total,
		Arena:        ast,
	}
}

// vmemFlags maps the dma wait flags onto the arena's. Blocking is the
// default: DMA consumers on an allocation path generally prefer waiting
// over failing.
func vmemFlags(flags dma.Flags) (vmem.Flags, error) {
	waitOK := flags.Has(dma.WaitOK)
	noWait := flags.Has(dma.NoWait)
	switch {
	case waitOK && noWait:
		return 0, ErrBadFlags
	case noWait:
		return vmem.NoSleep, nil
	default:
		return vmem.Sleep, nil
	}
}
