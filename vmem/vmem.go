package vmem

import (
	"container/heap"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/busdma/dmakit/internal/align"
)

// Runtime debug flag for arena logging - controlled by DMAKIT_LOG_VMEM env var.
var logVmem = os.Getenv("DMAKIT_LOG_VMEM") != ""

// Addr is an address inside the arena's address space. The arena never
// dereferences it; it is an opaque ordered value.
type Addr uint64

// Flags select the blocking behavior of Alloc. Exactly one of Sleep or
// NoSleep must be set.
type Flags uint32

const (
	// Sleep allows Alloc to block until address space becomes available
	// through a free or an import.
	Sleep Flags = 1 << iota

	// NoSleep makes Alloc fail with ErrNoMemory instead of blocking.
	// The import callback, if invoked, receives NoSleep too.
	NoSleep
)

func (f Flags) validate() error {
	sleep := f&Sleep != 0
	noSleep := f&NoSleep != 0
	if sleep == noSleep {
		return ErrBadFlags
	}
	return nil
}

// ImportFunc grows the arena by one span. It is invoked without the arena
// lock held and may block when flags contain Sleep. It returns the base
// and actual length of the new span; actual must be at least the
// requested size and quantum-aligned.
type ImportFunc func(size uint64, flags Flags) (Addr, uint64, error)

// ReleaseFunc returns an imported span to its origin. Destroy calls it
// for every imported span.
type ReleaseFunc func(base Addr, size uint64)

// Option configures an Arena at creation time.
type Option func(*Arena)

// WithImport wires the growth callbacks. release may be nil when the
// owner tears imported spans down itself after Destroy.
func WithImport(imp ImportFunc, rel ReleaseFunc) Option {
	return func(a *Arena) {
		a.importFn = imp
		a.releaseFn = rel
	}
}

// span is one contiguous range of address space donated to the arena,
// either statically (AddSpan) or through the import callback. Spans are
// never returned before Destroy.
type span struct {
	base     Addr
	size     uint64
	imported bool
}

func (s *span) end() Addr {
	return s.base + Addr(s.size)
}

// Stats holds arena counters and occupancy. Size, InUse and the counters
// are maintained incrementally; Spans, Free, FreeChunks and LargestFree
// are filled in by Stats.
type Stats struct {
	Allocs     uint64 // successful Alloc calls
	Frees      uint64 // Free calls
	Imports    uint64 // successful span imports
	SleepWaits uint64 // times an allocation blocked waiting for space

	Spans       int    // spans currently owned
	FreeChunks  int    // free chunks across all classes
	Size        uint64 // total span bytes
	InUse       uint64 // bytes currently allocated
	Free        uint64 // Size - InUse
	LargestFree uint64 // largest single free chunk
}

// Arena is a span-based address allocator: callers donate or import
// coarse spans and carve aligned, boundary-constrained ranges out of
// them. All methods are safe for concurrent use except Destroy, which
// the caller must serialize as the terminal operation.
type Arena struct {
	name    string
	quantum uint64

	importFn  ImportFunc
	releaseFn ReleaseFunc

	mu   sync.Mutex
	cond *sync.Cond

	// Segregated free lists: min-heaps per power-of-two size class.
	freeLists [numClasses]chunkHeap

	// Coalescing indexes: chunk start -> chunk, chunk end -> chunk.
	byStart map[Addr]*chunk
	byEnd   map[Addr]*chunk

	// Busy ranges by address. The arena is the sole authority on what
	// is allocated; Free validates against this map and panics on
	// anything it did not hand out.
	busy map[Addr]uint64

	// Spans ordered by base for binary-search containment. Coalescing
	// never crosses a span boundary even when spans happen to be
	// adjacent.
	spans []span

	// importers counts in-flight import callbacks. Sleeping allocations
	// wait for a running import instead of stacking a redundant one;
	// NoSleep allocations import regardless since they cannot wait.
	importers int

	chunkPool sync.Pool

	stats Stats
}

// New creates an empty arena. quantum is the allocation granularity:
// sizes are rounded up to it and spans must be aligned to it.
func New(name string, quantum uint64, opts ...Option) (*Arena, error) {
	if !align.IsPow2(quantum) {
		return nil, ErrBadQuantum
	}
	a := &Arena{
		name:    name,
		quantum: quantum,
		byStart: make(map[Addr]*chunk),
		byEnd:   make(map[Addr]*chunk),
		busy:    make(map[Addr]uint64),
		chunkPool: sync.Pool{
			New: func() any {
				return &chunk{}
			},
		},
	}
	a.cond = sync.NewCond(&a.mu)
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the arena name used in logs and panics.
func (a *Arena) Name() string {
	return a.name
}

// Quantum returns the allocation granularity.
func (a *Arena) Quantum() uint64 {
	return a.quantum
}

// Alloc carves size bytes out of the free lists, best-fit. The result is
// a multiple of alignment and the range [addr, addr+size) never crosses
// a boundary-aligned line of boundary bytes.
//
// alignment 0 means the quantum; otherwise it must be a power of two no
// smaller than the quantum. boundary 0 means no constraint; otherwise it
// must be a power of two at least as large as the quantum-rounded size.
//
// When no free chunk fits, the arena asks the import callback for more
// span. Under NoSleep a failed import surfaces as ErrNoMemory wrapping
// the import error. Under Sleep the allocation waits for frees or
// imports by other callers and retries; it blocks until satisfiable.
func (a *Arena) Alloc(size, alignment, boundary uint64, flags Flags) (Addr, error) {
	if err := flags.validate(); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, ErrBadSize
	}
	if alignment == 0 {
		alignment = a.quantum
	}
	// A power-of-two alignment >= quantum is exactly "a multiple of the
	// quantum", which span and chunk addresses are guaranteed to be.
	if !align.IsPow2(alignment) || alignment < a.quantum {
		return 0, ErrBadAlign
	}
	size = align.Up(size, a.quantum)
	if boundary != 0 && (!align.IsPow2(boundary) || boundary < size) {
		return 0, ErrBadBoundary
	}

	a.mu.Lock()
	triedImport := false
	for {
		if c := a.fit(size, alignment, boundary); c != nil {
			addr := a.carve(c, size, alignment, boundary)
			a.stats.Allocs++
			a.stats.InUse += size
			a.mu.Unlock()
			return addr, nil
		}

		if a.importFn != nil && !triedImport {
			if a.importers > 0 && flags&Sleep != 0 {
				// Another import is in flight; wait for its outcome
				// instead of importing redundantly.
				a.stats.SleepWaits++
				a.cond.Wait()
				continue
			}
			triedImport = true
			err := a.importSpan(size, alignment, boundary, flags)
			if err != nil && flags&NoSleep != 0 {
				a.mu.Unlock()
				return 0, fmt.Errorf("%w: %w", ErrNoMemory, err)
			}
			// Sleep mode: a failed import is not final, backing store
			// may free up later. Retry the fit either way.
			continue
		}

		if flags&NoSleep != 0 {
			a.mu.Unlock()
			return 0, ErrNoMemory
		}
		if a.importFn == nil && (a.stats.InUse == 0 || size > a.stats.Size) {
			// No way to grow and no outstanding allocation whose free
			// could ever satisfy this: fail instead of sleeping forever.
			a.mu.Unlock()
			return 0, ErrNoMemory
		}
		if logVmem {
			fmt.Fprintf(os.Stderr, "[VMEM] %s: alloc %d sleeping (inuse=%d size=%d)\n",
				a.name, size, a.stats.InUse, a.stats.Size)
		}
		a.stats.SleepWaits++
		a.cond.Wait()
		// Whatever woke us may not have been enough; allow one more
		// import attempt per wakeup.
		triedImport = false
	}
}

// Free returns [addr, addr+size) to the free lists and wakes sleeping
// allocations. The range must exactly match a previous Alloc; anything
// else is a contract violation and panics, since guessing would corrupt
// the arena. Spans are never released here.
func (a *Arena) Free(addr Addr, size uint64) {
	size = align.Up(size, a.quantum)

	a.mu.Lock()
	got, ok := a.busy[addr]
	if !ok {
		a.mu.Unlock()
		panic(fmt.Sprintf("vmem %q: free of unallocated address %#x", a.name, uint64(addr)))
	}
	if got != size {
		a.mu.Unlock()
		panic(fmt.Sprintf("vmem %q: free of %#x with size %d, allocated %d",
			a.name, uint64(addr), size, got))
	}
	delete(a.busy, addr)
	a.stats.Frees++
	a.stats.InUse -= size

	// Coalesce with free neighbors, but never across a span boundary:
	// spans are independent backing regions even when adjacent.
	sp := a.findSpan(addr)
	start, end := addr, addr+Addr(size)
	if prev, ok := a.byEnd[start]; ok && prev.addr >= sp.base {
		start = prev.addr
		a.removeChunk(prev)
	}
	if next, ok := a.byStart[end]; ok && next.end() <= sp.end() {
		end = next.end()
		a.removeChunk(next)
	}
	a.insertChunk(start, uint64(end-start))

	a.cond.Broadcast()
	a.mu.Unlock()
}

// AddSpan donates [base, base+size) to the arena as allocatable address
// space. Both base and size must be quantum-aligned and the range must
// not overlap an existing span. Static spans remain the caller's to
// reclaim; Destroy only releases imported ones.
func (a *Arena) AddSpan(base Addr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.addSpanLocked(base, size, false); err != nil {
		return err
	}
	a.cond.Broadcast()
	return nil
}

// Destroy hands every imported span to the release callback and drops
// all arena state. Outstanding allocations are abandoned; the arena must
// not be used afterwards. Not safe to run concurrently with any other
// arena operation.
func (a *Arena) Destroy() {
	a.mu.Lock()
	spans := a.spans
	a.spans = nil
	for i := range a.freeLists {
		a.freeLists[i] = nil
	}
	a.byStart = nil
	a.byEnd = nil
	a.busy = nil
	a.mu.Unlock()

	if a.releaseFn == nil {
		return
	}
	for _, sp := range spans {
		if sp.imported {
			a.releaseFn(sp.base, sp.size)
		}
	}
}

// Stats returns a snapshot of arena counters and occupancy.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.stats
	st.Spans = len(a.spans)
	st.Free = st.Size - st.InUse
	for sc := range a.freeLists {
		for _, c := range a.freeLists[sc] {
			st.FreeChunks++
			if c.size > st.LargestFree {
				st.LargestFree = c.size
			}
		}
	}
	return st
}

// ============================================================================
// Internal helpers
// ============================================================================

// fit finds the best-fit free chunk that can hold size bytes at the
// given alignment without crossing a boundary line. Classes are scanned
// in ascending order; every chunk in a class is strictly smaller than
// every chunk in the next, so the first class with a fit holds the best
// fit. Caller holds a.mu.
func (a *Arena) fit(size, alignment, boundary uint64) *chunk {
	for sc := classOf(size); sc < numClasses; sc++ {
		var best *chunk
		for _, c := range a.freeLists[sc] {
			if c.size < size {
				continue
			}
			if best != nil && c.size >= best.size {
				continue
			}
			if _, ok := place(c, size, alignment, boundary); ok {
				best = c
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// place computes the lowest start inside c that is aligned and does not
// cross a boundary line. If the first aligned start crosses, the only
// fix is advancing to the next line, which is itself aligned because
// boundary and alignment are powers of two.
func place(c *chunk, size, alignment, boundary uint64) (Addr, bool) {
	s := align.Up(uint64(c.addr), alignment)
	if align.Crosses(s, size, boundary) {
		line := align.Down(s, boundary) + boundary
		s = align.Up(line, alignment)
	}
	if s < uint64(c.addr) || s+size > uint64(c.end()) {
		return 0, false
	}
	return Addr(s), true
}

// carve splits the placed block out of c and marks it busy, returning
// the block address. Head and tail remainders go back to the free
// lists. Caller holds a.mu.
func (a *Arena) carve(c *chunk, size, alignment, boundary uint64) Addr {
	s, ok := place(c, size, alignment, boundary)
	if !ok {
		panic(fmt.Sprintf("vmem %q: carve without fit", a.name))
	}
	base, csize := c.addr, c.size
	a.removeChunk(c)

	if head := uint64(s - base); head > 0 {
		a.insertChunk(base, head)
	}
	if tail := csize - uint64(s-base) - size; tail > 0 {
		a.insertChunk(s+Addr(size), tail)
	}
	a.busy[s] = size
	return s
}

// importSpan asks the import callback for more span. Called with a.mu
// held; the lock is dropped around the callback since imports may block
// on platform resources.
func (a *Arena) importSpan(size, alignment, boundary uint64, flags Flags) error {
	// A fresh span's base is only guaranteed quantum-aligned. Pad the
	// request so one aligned, non-crossing placement always exists and
	// a successful import always satisfies the allocation.
	need := size
	if pad := max(alignment, boundary); pad > a.quantum {
		need += pad
	}

	a.importers++
	a.mu.Unlock()
	base, actual, err := a.importFn(need, flags)
	a.mu.Lock()
	a.importers--

	if err != nil {
		if logVmem {
			fmt.Fprintf(os.Stderr, "[VMEM] %s: import of %d failed: %v\n", a.name, need, err)
		}
		a.cond.Broadcast()
		return err
	}
	if spanErr := a.addSpanLocked(base, actual, true); spanErr != nil {
		panic(fmt.Sprintf("vmem %q: import returned unusable span [%#x,+%#x): %v",
			a.name, uint64(base), actual, spanErr))
	}
	a.stats.Imports++
	if logVmem {
		fmt.Fprintf(os.Stderr, "[VMEM] %s: imported span [%#x,+%#x) for need=%d\n",
			a.name, uint64(base), actual, need)
	}
	a.cond.Broadcast()
	return nil
}

// addSpanLocked validates and inserts a span, seeding one free chunk
// covering it. Caller holds a.mu.
func (a *Arena) addSpanLocked(base Addr, size uint64, imported bool) error {
	if size == 0 || uint64(base)%a.quantum != 0 || size%a.quantum != 0 {
		return fmt.Errorf("%w: [%#x,+%#x) not quantum-aligned", ErrBadSpan, uint64(base), size)
	}
	i := sort.Search(len(a.spans), func(i int) bool { return a.spans[i].base > base })
	if i > 0 && a.spans[i-1].end() > base {
		p := &a.spans[i-1]
		return fmt.Errorf("%w: [%#x,+%#x) overlaps [%#x,+%#x)",
			ErrBadSpan, uint64(base), size, uint64(p.base), p.size)
	}
	if i < len(a.spans) && base+Addr(size) > a.spans[i].base {
		n := &a.spans[i]
		return fmt.Errorf("%w: [%#x,+%#x) overlaps [%#x,+%#x)",
			ErrBadSpan, uint64(base), size, uint64(n.base), n.size)
	}
	a.spans = append(a.spans, span{})
	copy(a.spans[i+1:], a.spans[i:])
	a.spans[i] = span{base: base, size: size, imported: imported}
	a.insertChunk(base, size)
	a.stats.Size += size
	return nil
}

// findSpan locates the span containing addr via binary search. Every
// busy address lies in exactly one span; a miss is an arena bookkeeping
// bug, not caller misuse. Caller holds a.mu.
func (a *Arena) findSpan(addr Addr) *span {
	i := sort.Search(len(a.spans), func(i int) bool { return a.spans[i].base > addr }) - 1
	if i >= 0 && addr < a.spans[i].end() {
		return &a.spans[i]
	}
	panic(fmt.Sprintf("vmem %q: no span contains %#x", a.name, uint64(addr)))
}

// insertChunk adds a free chunk to its class heap and the coalescing
// indexes. Caller holds a.mu.
func (a *Arena) insertChunk(addr Addr, size uint64) {
	c := a.getChunk()
	c.addr = addr
	c.size = size
	heap.Push(&a.freeLists[classOf(size)], c)
	a.byStart[addr] = c
	a.byEnd[c.end()] = c
}

// removeChunk detaches a free chunk from its heap and the indexes and
// returns it to the pool. Callers must copy addr/size first. Caller
// holds a.mu.
func (a *Arena) removeChunk(c *chunk) {
	heap.Remove(&a.freeLists[classOf(c.size)], c.heapIndex)
	delete(a.byStart, c.addr)
	delete(a.byEnd, c.end())
	a.putChunk(c)
}

func (a *Arena) getChunk() *chunk {
	return a.chunkPool.Get().(*chunk) //nolint:errcheck // pool only holds *chunk
}

func (a *Arena) putChunk(c *chunk) {
	c.addr = 0
	c.size = 0
	c.heapIndex = -1
	a.chunkPool.Put(c)
}
