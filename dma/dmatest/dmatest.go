// Package dmatest provides an in-memory dma.Tag for tests.
//
// The tag fabricates a device address space, keeps a separate device-side
// copy of every region, and counts every resource operation. Tests use it
// three ways:
//
//   - as a plain Tag, to run pool code without hardware;
//   - as a coherency oracle: CPU writes become device-visible only after a
//     PREWRITE sync, device writes become CPU-visible only after a POSTREAD
//     sync (DeviceWrite and DeviceBytes play the device side);
//   - as a leak detector: Outstanding reports resources acquired but not
//     released, and InjectFault forces failures mid-acquisition to exercise
//     unwind paths.
package dmatest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/internal/align"
)

// ErrInjected is returned by operations armed with InjectFault.
var ErrInjected = errors.New("dmatest: injected fault")

// deviceBase is where fabricated device addresses start. Far from any
// plausible virtual address, so code confusing an Addr with a pointer
// fails loudly.
const deviceBase dma.Addr = 0xd0000000

// Op identifies an operation for fault injection.
type Op uint8

const (
	OpCreateMapping Op = iota
	OpAllocRegion
	OpMapRegion
	OpLoad
	opCount
)

func (op Op) String() string {
	switch op {
	case OpCreateMapping:
		return "CreateMapping"
	case OpAllocRegion:
		return "AllocRegion"
	case OpMapRegion:
		return "MapRegion"
	case OpLoad:
		return "Load"
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// Options configure a test Tag.
type Options struct {
	// PageSize is the allocation granularity. Regions are rounded up to
	// it and their addresses aligned to it. Defaults to 4096.
	PageSize int

	// Capacity caps total live region bytes. Zero means unlimited.
	// AllocRegion beyond the cap fails with dma.ErrNoMemory.
	Capacity int

	// SplitLoads makes Load report every region as two device ranges.
	// Used to test single-fragment contract enforcement.
	SplitLoads bool
}

// Counts holds cumulative operation counters.
type Counts struct {
	MappingsCreated   int
	MappingsDestroyed int
	Loads             int
	Unloads           int
	RegionsAllocated  int
	RegionsFreed      int
	RegionsMapped     int
	RegionsUnmapped   int
	Syncs             int
	BytesAllocated    int64
}

// Outstanding reports resources currently held.
type Outstanding struct {
	Mappings  int // created, not destroyed
	Loads     int // loaded, not unloaded
	Regions   int // allocated, not freed
	Maps      int // mapped, not unmapped
	LiveBytes int // bytes of live regions
}

// Zero reports whether nothing is held.
func (o Outstanding) Zero() bool {
	return o == Outstanding{}
}

// SyncRecord captures one Mapping.Sync call.
type SyncRecord struct {
	Base dma.Addr // device address of the loaded region
	Off  int
	Len  int
	Ops  dma.SyncOp
}

type fault struct {
	armed bool
	after int // successful calls remaining before the failure
}

// regionState is the provider-side state of one allocated region.
type regionState struct {
	r      dma.Region
	host   []byte // CPU view handed out by MapRegion
	dev    []byte // simulated device-side copy
	mapped bool
	loaded bool
}

// Tag is an in-memory dma.Tag. The zero value is not usable; call New.
type Tag struct {
	opts Options

	mu      sync.Mutex
	next    dma.Addr
	regions map[dma.Addr]*regionState
	counts  Counts
	out     Outstanding
	faults  [opCount]fault
	syncs   []SyncRecord
}

var _ dma.Tag = (*Tag)(nil)

// New creates a test Tag. opts may be nil for defaults.
func New(opts *Options) *Tag {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	return &Tag{
		opts:    o,
		next:    deviceBase,
		regions: make(map[dma.Addr]*regionState),
	}
}

// InjectFault arms op to fail with ErrInjected after `after` more
// successful calls. after=0 fails the next call. Only one failure fires
// per arming.
func (tg *Tag) InjectFault(op Op, after int) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.faults[op] = fault{armed: true, after: after}
}

// ClearFaults disarms all injected faults.
func (tg *Tag) ClearFaults() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.faults = [opCount]fault{}
}

// fire decides whether the armed fault for op fires on this call.
// Caller holds tg.mu.
func (tg *Tag) fire(op Op) bool {
	f := &tg.faults[op]
	if !f.armed {
		return false
	}
	if f.after > 0 {
		f.after--
		return false
	}
	f.armed = false
	return true
}

// Counts returns a snapshot of the cumulative counters.
func (tg *Tag) Counts() Counts {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.counts
}

// Outstanding returns the resources currently held.
func (tg *Tag) Outstanding() Outstanding {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.out
}

// Syncs returns a copy of all recorded sync calls.
func (tg *Tag) Syncs() []SyncRecord {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	out := make([]SyncRecord, len(tg.syncs))
	copy(out, tg.syncs)
	return out
}

// LastSync returns the most recent sync call, if any.
func (tg *Tag) LastSync() (SyncRecord, bool) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.syncs) == 0 {
		return SyncRecord{}, false
	}
	return tg.syncs[len(tg.syncs)-1], true
}

// CreateMapping implements dma.Tag.
func (tg *Tag) CreateMapping(size int, flags dma.Flags) (dma.Mapping, error) {
	if size <= 0 {
		panic(fmt.Sprintf("dmatest: CreateMapping size %d", size))
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.fire(OpCreateMapping) {
		return nil, ErrInjected
	}
	tg.counts.MappingsCreated++
	tg.out.Mappings++
	return &Mapping{tag: tg, size: size}, nil
}

// AllocRegion implements dma.Tag. Regions are page-rounded and separated
// by a guard page so containment checks cannot succeed across neighbors.
func (tg *Tag) AllocRegion(size int, flags dma.Flags) (dma.Region, error) {
	if size <= 0 {
		panic(fmt.Sprintf("dmatest: AllocRegion size %d", size))
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.fire(OpAllocRegion) {
		return dma.Region{}, ErrInjected
	}

	page := uint64(tg.opts.PageSize)
	n := int(align.Up(uint64(size), page))
	if tg.opts.Capacity > 0 && tg.out.LiveBytes+n > tg.opts.Capacity {
		return dma.Region{}, fmt.Errorf("%w: capacity %d, live %d, want %d",
			dma.ErrNoMemory, tg.opts.Capacity, tg.out.LiveBytes, n)
	}

	r := dma.Region{Addr: tg.next, Len: n}
	tg.next += dma.Addr(n) + dma.Addr(page) // guard gap
	tg.regions[r.Addr] = &regionState{
		r:    r,
		host: make([]byte, n),
		dev:  make([]byte, n),
	}

	tg.counts.RegionsAllocated++
	tg.counts.BytesAllocated += int64(n)
	tg.out.Regions++
	tg.out.LiveBytes += n
	return r, nil
}

// FreeRegion implements dma.Tag.
func (tg *Tag) FreeRegion(r dma.Region) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	rs := tg.lookup(r, "FreeRegion")
	if rs.mapped {
		panic(fmt.Sprintf("dmatest: FreeRegion %v while mapped", r))
	}
	if rs.loaded {
		panic(fmt.Sprintf("dmatest: FreeRegion %v while loaded", r))
	}
	delete(tg.regions, r.Addr)
	tg.counts.RegionsFreed++
	tg.out.Regions--
	tg.out.LiveBytes -= rs.r.Len
}

// MapRegion implements dma.Tag.
func (tg *Tag) MapRegion(r dma.Region, flags dma.Flags) ([]byte, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.fire(OpMapRegion) {
		return nil, fmt.Errorf("%w: %w", dma.ErrMapFailed, ErrInjected)
	}
	rs := tg.lookup(r, "MapRegion")
	if rs.mapped {
		panic(fmt.Sprintf("dmatest: MapRegion %v twice", r))
	}
	rs.mapped = true
	tg.counts.RegionsMapped++
	tg.out.Maps++
	return rs.host, nil
}

// UnmapRegion implements dma.Tag.
func (tg *Tag) UnmapRegion(r dma.Region, v []byte) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	rs := tg.lookup(r, "UnmapRegion")
	if !rs.mapped {
		panic(fmt.Sprintf("dmatest: UnmapRegion %v not mapped", r))
	}
	rs.mapped = false
	tg.counts.RegionsUnmapped++
	tg.out.Maps--
}

// DeviceWrite plays the device: it writes p into the device-side copy at
// addr. The CPU view observes the data only after a POSTREAD sync.
func (tg *Tag) DeviceWrite(addr dma.Addr, p []byte) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	rs, off := tg.find(addr, len(p), "DeviceWrite")
	copy(rs.dev[off:off+len(p)], p)
}

// DeviceBytes returns a copy of n device-side bytes at addr. CPU writes
// appear here only after a PREWRITE sync.
func (tg *Tag) DeviceBytes(addr dma.Addr, n int) []byte {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	rs, off := tg.find(addr, n, "DeviceBytes")
	out := make([]byte, n)
	copy(out, rs.dev[off:off+n])
	return out
}

// lookup resolves a region that must exactly match a previous AllocRegion.
// Caller holds tg.mu.
func (tg *Tag) lookup(r dma.Region, op string) *regionState {
	rs, ok := tg.regions[r.Addr]
	if !ok || rs.r.Len != r.Len {
		panic(fmt.Sprintf("dmatest: %s of unknown region %v", op, r))
	}
	return rs
}

// find resolves the region containing [addr, addr+n). Caller holds tg.mu.
func (tg *Tag) find(addr dma.Addr, n int, op string) (*regionState, int) {
	for _, rs := range tg.regions {
		if !rs.r.Contains(addr) {
			continue
		}
		off := int(addr - rs.r.Addr)
		if off+n > rs.r.Len {
			panic(fmt.Sprintf("dmatest: %s [%#x,+%d) overruns region %v",
				op, uint64(addr), n, rs.r))
		}
		return rs, off
	}
	panic(fmt.Sprintf("dmatest: %s at %#x outside every region", op, uint64(addr)))
}

// Mapping is the dma.Mapping produced by a test Tag.
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
		panic("dmatest: Load on destroyed mapping")
	}
	if m.rs != nil {
		panic("dmatest: Load on loaded mapping")
	}
	if tg.fire(OpLoad) {
		return nil, fmt.Errorf("%w: %w", dma.ErrLoadFailed, ErrInjected)
	}
	if r.Len > m.size {
		return nil, fmt.Errorf("%w: region %v exceeds mapping size %d",
			dma.ErrLoadFailed, r, m.size)
	}
	rs := tg.lookup(r, "Load")
	if rs.loaded {
		panic(fmt.Sprintf("dmatest: region %v loaded twice", r))
	}
	rs.loaded = true
	m.rs = rs
	tg.counts.Loads++
	tg.out.Loads++

	if tg.opts.SplitLoads && r.Len > 1 {
		half := r.Len / 2
		return []dma.Region{
			{Addr: r.Addr, Len: half},
			{Addr: r.Addr + dma.Addr(half), Len: r.Len - half},
		}, nil
	}
	return []dma.Region{r}, nil
}

// Unload implements dma.Mapping.
func (m *Mapping) Unload() {
	tg := m.tag
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if m.rs == nil {
		panic("dmatest: Unload on unloaded mapping")
	}
	m.rs.loaded = false
	m.rs = nil
	tg.counts.Unloads++
	tg.out.Loads--
}

// Sync implements dma.Mapping. PREWRITE publishes CPU writes to the
// device copy; POSTREAD imports device writes into the CPU view. PREREAD
// and POSTWRITE have no data movement here and are only recorded.
func (m *Mapping) Sync(off, n int, ops dma.SyncOp) {
	if err := ops.Validate(); err != nil {
		panic(fmt.Sprintf("dmatest: %v", err))
	}
	tg := m.tag
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if m.rs == nil {
		panic("dmatest: Sync on unloaded mapping")
	}
	if off < 0 || n < 0 || off+n > m.rs.r.Len {
		panic(fmt.Sprintf("dmatest: Sync [%d,+%d) outside region %v", off, n, m.rs.r))
	}

	if ops&dma.SyncPreWrite != 0 {
		copy(m.rs.dev[off:off+n], m.rs.host[off:off+n])
	}
	if ops&dma.SyncPostRead != 0 {
		copy(m.rs.host[off:off+n], m.rs.dev[off:off+n])
	}

	tg.counts.Syncs++
	tg.syncs = append(tg.syncs, SyncRecord{Base: m.rs.r.Addr, Off: off, Len: n, Ops: ops})
}

// Destroy implements dma.Mapping.
func (m *Mapping) Destroy() {
	tg := m.tag
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if m.destroyed {
		panic("dmatest: Destroy twice")
	}
	if m.rs != nil {
		panic("dmatest: Destroy on loaded mapping")
	}
	m.destroyed = true
	tg.counts.MappingsDestroyed++
	tg.out.Mappings--
}
