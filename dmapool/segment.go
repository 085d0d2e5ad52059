package dmapool

import (
	"fmt"
	"os"
	"sort"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/internal/align"
	"github.com/busdma/dmakit/vmem"
)

// segment is one coarse backing acquisition: a pinned contiguous region,
// its CPU view and its device binding. Segments are immutable once
// registered and live until Pool.Destroy.
type segment struct {
	dev  dma.Region  // device-visible range, the pool's address space
	virt []byte      // CPU view of the same range, len == dev.Len
	mem  dma.Region  // provider backing handle, needed for release
	m    dma.Mapping // device binding, used by Sync and teardown
}

// teardown releases the segment's resources in reverse acquisition
// order: unload the device binding, drop the CPU view, free the backing
// region, destroy the mapping.
func (s *segment) teardown(tag dma.Tag) {
	s.m.Unload()
	tag.UnmapRegion(s.mem, s.virt)
	tag.FreeRegion(s.mem)
	s.m.Destroy()
}

// importSegment is the arena growth callback: it materializes one
// backing segment through the tag and registers it, reporting the
// device range to the arena as a new span. Runs without the arena lock
// held, so allocations in other segments proceed during an import.
//
// Acquisition is strictly ordered: mapping, backing region, CPU view,
// device binding. Failure at any step unwinds the completed steps in
// reverse, so a failed import leaves no resource behind and no trace in
// the registry.
func (p *Pool) importSegment(size uint64, vflags vmem.Flags) (vmem.Addr, uint64, error) {
	flags := dma.WaitOK
	if vflags&vmem.NoSleep != 0 {
		flags = dma.NoWait
	}
	ask := int(align.Up(size, p.pageSize))

	var (
		created, allocated, mapped, loaded bool

		m    dma.Mapping
		mem  dma.Region
		virt []byte
	)
	unwind := func() {
		if loaded {
			m.Unload()
		}
		if mapped {
			p.tag.UnmapRegion(mem, virt)
		}
		if allocated {
			p.tag.FreeRegion(mem)
		}
		if created {
			m.Destroy()
		}
	}

	m, err := p.tag.CreateMapping(ask, flags)
	if err != nil {
		return 0, 0, err
	}
	created = true

	mem, err = p.tag.AllocRegion(ask, flags)
	if err != nil {
		unwind()
		return 0, 0, err
	}
	allocated = true

	virt, err = p.tag.MapRegion(mem, flags|dma.Coherent)
	if err != nil {
		unwind()
		return 0, 0, err
	}
	mapped = true

	devs, err := m.Load(mem, flags)
	if err != nil {
		unwind()
		return 0, 0, err
	}
	loaded = true
	if len(devs) != 1 {
		err := fmt.Errorf("%w: %d device ranges for %v", dma.ErrSplitLoad, len(devs), mem)
		unwind()
		return 0, 0, err
	}

	s := &segment{dev: devs[0], virt: virt, mem: mem, m: m}

	p.mu.Lock()
	p.insertSegment(s)
	p.mu.Unlock()

	if logPool {
		fmt.Fprintf(os.Stderr, "[POOL] %s: new segment %v\n", p.name, s.dev)
	}
	return vmem.Addr(s.dev.Addr), uint64(s.dev.Len), nil
}

// insertSegment adds s to the registry, keeping it ordered by device
// base. Caller holds p.mu.
func (p *Pool) insertSegment(s *segment) {
	i := sort.Search(len(p.segs), func(i int) bool { return p.segs[i].dev.Addr > s.dev.Addr })
	p.segs = append(p.segs, nil)
	copy(p.segs[i+1:], p.segs[i:])
	p.segs[i] = s
}

// findSegment resolves the segment containing addr: binary search for
// the greatest device base <= addr, then a containment check. A miss
// means the address was never handed out by this pool; that is a
// contract violation and panics, because guessing a mapping would let
// the caller scribble over unrelated memory.
func (p *Pool) findSegment(addr dma.Addr) *segment {
	p.mu.Lock()
	i := sort.Search(len(p.segs), func(i int) bool { return p.segs[i].dev.Addr > addr }) - 1
	if i >= 0 && p.segs[i].dev.Contains(addr) {
		s := p.segs[i]
		p.mu.Unlock()
		return s
	}
	p.mu.Unlock()
	panic(fmt.Sprintf("dmapool %q: address %#x not owned by this pool", p.name, uint64(addr)))
}
