// Package hostmem provides a dma.Tag backed by pinned anonymous host
// memory.
//
// It serves userspace DMA-style consumers where the device address of a
// buffer is its virtual address: NOIOMMU vfio, io_uring registered
// buffers, userspace NIC rings. Regions are anonymous private mappings
// pinned with mlock so the kernel cannot page them out while a device
// (or the kernel on the device's behalf) holds the address. The CPU
// view is the mapping itself, so MapRegion and Mapping.Load are
// identity operations, and Sync is a no-op because host memory is
// cache-coherent on the supported platforms.
//
// Supported on Linux and FreeBSD; New fails with dma.ErrUnsupported
// elsewhere.
package hostmem

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/internal/align"
)

// Options configure a Tag. A nil pointer and the zero value both mean
// defaults: pinned, regular pages.
type Options struct {
	// HugePages requests mappings from the huge page pool (Linux
	// MAP_HUGETLB; FreeBSD superpage-aligned). On Linux the rounded
	// region size must be a multiple of the huge page size or the
	// mapping fails.
	HugePages bool

	// NoPin skips the mlock step. Useful under a tight RLIMIT_MEMLOCK;
	// an unpinned page may be paged out mid-transfer, which a real
	// device does not survive.
	NoPin bool
}

// regionState is the provider-side state of one allocated region.
type regionState struct {
	r      dma.Region
	buf    []byte
	mapped bool
	loaded bool
}

// Tag is a dma.Tag over anonymous pinned host memory. The zero value is
// not usable; call New.
type Tag struct {
	opts Options

	mu      sync.Mutex
	regions map[dma.Addr]*regionState
}

var _ dma.Tag = (*Tag)(nil)

// New creates a host-memory tag. opts may be nil for defaults. On
// platforms without the required mapping primitives it returns
// dma.ErrUnsupported.
func New(opts *Options) (*Tag, error) {
	if !supported {
		return nil, fmt.Errorf("%w: hostmem requires linux or freebsd", dma.ErrUnsupported)
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	return &Tag{
		opts:    o,
		regions: make(map[dma.Addr]*regionState),
	}, nil
}

// CreateMapping implements dma.Tag.
func (tg *Tag) CreateMapping(size int, flags dma.Flags) (dma.Mapping, error) {
	if size <= 0 {
		panic(fmt.Sprintf("hostmem: CreateMapping size %d", size))
	}
	return &Mapping{tag: tg, size: size}, nil
}

// AllocRegion implements dma.Tag. The region is page-rounded, mapped
// anonymous and private, and pinned unless the tag was created with
// NoPin. Its address is the virtual address of the mapping.
func (tg *Tag) AllocRegion(size int, flags dma.Flags) (dma.Region, error) {
	if size <= 0 {
		panic(fmt.Sprintf("hostmem: AllocRegion size %d", size))
	}
	n := int(align.Up(uint64(size), uint64(os.Getpagesize())))
	buf, err := sysAlloc(n, tg.opts)
	if err != nil {
		return dma.Region{}, fmt.Errorf("%w: %w", dma.ErrNoMemory, err)
	}

	r := dma.Region{
		Addr: dma.Addr(uintptr(unsafe.Pointer(&buf[0]))),
		Len:  len(buf),
	}
	tg.mu.Lock()
	tg.regions[r.Addr] = &regionState{r: r, buf: buf}
	tg.mu.Unlock()
	return r, nil
}

// FreeRegion implements dma.Tag.
func (tg *Tag) FreeRegion(r dma.Region) {
	tg.mu.Lock()
	rs := tg.lookup(r, "FreeRegion")
	if rs.mapped {
		panic(fmt.Sprintf("hostmem: FreeRegion %v while mapped", r))
	}
	if rs.loaded {
		panic(fmt.Sprintf("hostmem: FreeRegion %v while loaded", r))
	}
	delete(tg.regions, r.Addr)
	tg.mu.Unlock()

	// munmap also drops the mlock pin. Failure with arguments we made
	// ourselves means corrupted bookkeeping, already excluded above.
	_ = sysFree(rs.buf)
}

// MapRegion implements dma.Tag. The CPU view is the mapping itself;
// Coherent is inherently satisfied.
func (tg *Tag) MapRegion(r dma.Region, flags dma.Flags) ([]byte, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	rs := tg.lookup(r, "MapRegion")
	if rs.mapped {
		panic(fmt.Sprintf("hostmem: MapRegion %v twice", r))
	}
	rs.mapped = true
	return rs.buf, nil
}

// UnmapRegion implements dma.Tag.
func (tg *Tag) UnmapRegion(r dma.Region, v []byte) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	rs := tg.lookup(r, "UnmapRegion")
	if !rs.mapped {
		panic(fmt.Sprintf("hostmem: UnmapRegion %v not mapped", r))
	}
	rs.mapped = false
}

// lookup resolves a region that must exactly match a previous
// AllocRegion. Caller holds tg.mu.
func (tg *Tag) lookup(r dma.Region, op string) *regionState {
	rs, ok := tg.regions[r.Addr]
	if !ok || rs.r.Len != r.Len {
		panic(fmt.Sprintf("hostmem: %s of unknown region %v", op, r))
	}
	return rs
}

// Mapping is the dma.Mapping produced by a host-memory Tag. Load is
// identity: the device-visible range is the region itself.
type Mapping struct {
	tag       *Tag
	size      int
	rs        *regionState // nil when not loaded
	destroyed bool
}

var _ dma.Mapping = (*Mapping)(nil)

// Load implements dma.Mapping.
func (m *Mapping) Load(r dma.Region, flags dma.Flags) ([]dma.Region, error) {
	tg := m.tag
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if m.destroyed {
		panic("hostmem: Load on destroyed mapping")
	}
	if m.rs != nil {
		panic("hostmem: Load on loaded mapping")
	}
	if r.Len > m.size {
		return nil, fmt.Errorf("%w: region %v exceeds mapping size %d",
			dma.ErrLoadFailed, r, m.size)
	}
	rs := tg.lookup(r, "Load")
	if rs.loaded {
		panic(fmt.Sprintf("hostmem: region %v loaded twice", r))
	}
	rs.loaded = true
	m.rs = rs
	return []dma.Region{r}, nil
}

// Unload implements dma.Mapping.
func (m *Mapping) Unload() {
	tg := m.tag
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if m.rs == nil {
		panic("hostmem: Unload on unloaded mapping")
	}
	m.rs.loaded = false
	m.rs = nil
}

// Sync implements dma.Mapping. Host memory is coherent here, so no data
// movement happens; the call still enforces the contract so misuse does
// not go unnoticed until the code runs on a platform where sync is
// real.
func (m *Mapping) Sync(off, n int, ops dma.SyncOp) {
	if err := ops.Validate(); err != nil {
		panic(fmt.Sprintf("hostmem: %v", err))
	}
	tg := m.tag
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if m.rs == nil {
		panic("hostmem: Sync on unloaded mapping")
	}
	if off < 0 || n < 0 || off+n > m.rs.r.Len {
		panic(fmt.Sprintf("hostmem: Sync [%d,+%d) outside region %v", off, n, m.rs.r))
	}
}

// Destroy implements dma.Mapping.
func (m *Mapping) Destroy() {
	tg := m.tag
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if m.destroyed {
		panic("hostmem: Destroy twice")
	}
	if m.rs != nil {
		panic("hostmem: Destroy on loaded mapping")
	}
	m.destroyed = true
}
