package vmem

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busdma/dmakit/internal/align"
)

func Test_New_RejectsBadQuantum(t *testing.T) {
	for _, q := range []uint64{0, 3, 48, 4097} {
		_, err := New("test", q)
		assert.ErrorIs(t, err, ErrBadQuantum, "quantum %d", q)
	}

	a, err := New("test", 4096)
	require.NoError(t, err)
	assert.Equal(t, "test", a.Name())
	assert.Equal(t, uint64(4096), a.Quantum())
}

func Test_AddSpan_Validation(t *testing.T) {
	a, err := New("test", 4096)
	require.NoError(t, err)

	assert.ErrorIs(t, a.AddSpan(0x1000, 0), ErrBadSpan, "zero size")
	assert.ErrorIs(t, a.AddSpan(0x1001, 0x1000), ErrBadSpan, "misaligned base")
	assert.ErrorIs(t, a.AddSpan(0x1000, 0x1001), ErrBadSpan, "misaligned size")

	require.NoError(t, a.AddSpan(0x10000, 0x4000))
	assert.ErrorIs(t, a.AddSpan(0x10000, 0x4000), ErrBadSpan, "exact duplicate")
	assert.ErrorIs(t, a.AddSpan(0x12000, 0x1000), ErrBadSpan, "inside existing")
	assert.ErrorIs(t, a.AddSpan(0xf000, 0x2000), ErrBadSpan, "tail overlaps head")
	assert.ErrorIs(t, a.AddSpan(0x13000, 0x2000), ErrBadSpan, "head overlaps tail")

	// Adjacent spans are fine, on both sides.
	require.NoError(t, a.AddSpan(0xc000, 0x4000))
	require.NoError(t, a.AddSpan(0x14000, 0x4000))

	st := a.Stats()
	assert.Equal(t, 3, st.Spans)
	assert.Equal(t, uint64(0xc000), st.Size)
}

func Test_Alloc_Validation(t *testing.T) {
	a, err := New("test", 4096)
	require.NoError(t, err)
	require.NoError(t, a.AddSpan(0, 1<<20))

	_, err = a.Alloc(4096, 0, 0, 0)
	assert.ErrorIs(t, err, ErrBadFlags, "neither Sleep nor NoSleep")
	_, err = a.Alloc(4096, 0, 0, Sleep|NoSleep)
	assert.ErrorIs(t, err, ErrBadFlags, "both Sleep and NoSleep")

	_, err = a.Alloc(0, 0, 0, NoSleep)
	assert.ErrorIs(t, err, ErrBadSize)

	_, err = a.Alloc(4096, 3, 0, NoSleep)
	assert.ErrorIs(t, err, ErrBadAlign, "non power of two alignment")
	_, err = a.Alloc(4096, 2048, 0, NoSleep)
	assert.ErrorIs(t, err, ErrBadAlign, "alignment below quantum")

	_, err = a.Alloc(4096, 0, 100, NoSleep)
	assert.ErrorIs(t, err, ErrBadBoundary, "non power of two boundary")
	_, err = a.Alloc(4096, 0, 2048, NoSleep)
	assert.ErrorIs(t, err, ErrBadBoundary, "boundary below size")
	_, err = a.Alloc(4097, 0, 4096, NoSleep)
	assert.ErrorIs(t, err, ErrBadBoundary, "boundary below rounded size")
}

func Test_Alloc_RoundsToQuantum(t *testing.T) {
	a, err := New("test", 4096)
	require.NoError(t, err)
	require.NoError(t, a.AddSpan(0, 1<<16))

	addr, err := a.Alloc(1, 0, 0, NoSleep)
	require.NoError(t, err)
	assert.Equal(t, Addr(0), addr)

	st := a.Stats()
	assert.Equal(t, uint64(4096), st.InUse, "one byte occupies a full quantum")

	// Free with the original unrounded size matches the allocation.
	a.Free(addr, 1)
	assert.Equal(t, uint64(0), a.Stats().InUse)
}

func Test_Alloc_BestFitPrefersSmallestChunk(t *testing.T) {
	a, err := New("test", 1)
	require.NoError(t, err)
	// Two free chunks in the same size class.
	require.NoError(t, a.AddSpan(0x1000, 140))
	require.NoError(t, a.AddSpan(0x2000, 130))

	addr, err := a.Alloc(130, 0, 0, NoSleep)
	require.NoError(t, err)
	assert.Equal(t, Addr(0x2000), addr, "exact fit wins over looser chunk")

	addr, err = a.Alloc(135, 0, 0, NoSleep)
	require.NoError(t, err)
	assert.Equal(t, Addr(0x1000), addr, "only the larger chunk fits")
}

func Test_Alloc_BoundaryNeverCrossed(t *testing.T) {
	a, err := New("test", 1)
	require.NoError(t, err)
	require.NoError(t, a.AddSpan(0, 1<<16))

	// Occupy the head so the next fit starts at an awkward offset.
	_, err = a.Alloc(256, 256, 0, NoSleep)
	require.NoError(t, err)

	addr, err := a.Alloc(384, 128, 512, NoSleep)
	require.NoError(t, err)
	assert.Equal(t, Addr(512), addr, "first aligned start crosses, next line is 512")

	for range 32 {
		got, err := a.Alloc(96, 32, 256, NoSleep)
		require.NoError(t, err)
		assert.Zero(t, uint64(got)%32, "alignment respected at %#x", uint64(got))
		assert.False(t, align.Crosses(uint64(got), 96, 256),
			"allocation at %#x crosses a 256-byte line", uint64(got))
	}
}

func Test_FreeCoalescesNeighbors(t *testing.T) {
	a, err := New("test", 1)
	require.NoError(t, err)
	require.NoError(t, a.AddSpan(0x1000, 0x300))

	a1, err := a.Alloc(0x100, 0, 0, NoSleep)
	require.NoError(t, err)
	a2, err := a.Alloc(0x100, 0, 0, NoSleep)
	require.NoError(t, err)
	a3, err := a.Alloc(0x100, 0, 0, NoSleep)
	require.NoError(t, err)
	require.Equal(t, 0, a.Stats().FreeChunks, "span fully carved")

	a.Free(a2, 0x100)
	assert.Equal(t, 1, a.Stats().FreeChunks)

	a.Free(a1, 0x100)
	st := a.Stats()
	assert.Equal(t, 1, st.FreeChunks, "left free merges with middle")
	assert.Equal(t, uint64(0x200), st.LargestFree)

	a.Free(a3, 0x100)
	st = a.Stats()
	assert.Equal(t, 1, st.FreeChunks, "span reassembles into one chunk")
	assert.Equal(t, uint64(0x300), st.LargestFree)
	assert.Equal(t, uint64(0), st.InUse)

	// The reassembled chunk is usable as a whole again.
	addr, err := a.Alloc(0x300, 0, 0, NoSleep)
	require.NoError(t, err)
	assert.Equal(t, Addr(0x1000), addr)
}

func Test_FreeNeverCoalescesAcrossSpans(t *testing.T) {
	a, err := New("test", 1)
	require.NoError(t, err)
	// Two adjacent spans: the address ranges touch but the backing is
	// independent.
	require.NoError(t, a.AddSpan(0x1000, 0x100))
	require.NoError(t, a.AddSpan(0x1100, 0x100))

	a1, err := a.Alloc(0x100, 0, 0, NoSleep)
	require.NoError(t, err)
	a2, err := a.Alloc(0x100, 0, 0, NoSleep)
	require.NoError(t, err)

	a.Free(a1, 0x100)
	a.Free(a2, 0x100)

	st := a.Stats()
	assert.Equal(t, 2, st.FreeChunks, "chunks stay split at the span seam")
	assert.Equal(t, uint64(0x100), st.LargestFree)
}

func Test_FreePanicsOnMisuse(t *testing.T) {
	a, err := New("test", 1)
	require.NoError(t, err)
	require.NoError(t, a.AddSpan(0x1000, 0x1000))

	addr, err := a.Alloc(0x100, 0, 0, NoSleep)
	require.NoError(t, err)

	assert.Panics(t, func() { a.Free(0x9999, 0x100) }, "foreign address")
	assert.Panics(t, func() { a.Free(addr, 0x80) }, "size mismatch")

	a.Free(addr, 0x100)
	assert.Panics(t, func() { a.Free(addr, 0x100) }, "double free")
}

func Test_Alloc_NoSleepFailsWithoutImport(t *testing.T) {
	a, err := New("test", 4096)
	require.NoError(t, err)

	_, err = a.Alloc(4096, 0, 0, NoSleep)
	assert.ErrorIs(t, err, ErrNoMemory, "empty arena with no import")

	require.NoError(t, a.AddSpan(0, 8192))
	_, err = a.Alloc(16384, 0, 0, NoSleep)
	assert.ErrorIs(t, err, ErrNoMemory, "request exceeds all spans")
}

func Test_Alloc_SleepFailsWhenUnsatisfiable(t *testing.T) {
	a, err := New("test", 4096)
	require.NoError(t, err)

	// Nothing allocated, nothing importable: sleeping would never end.
	_, err = a.Alloc(4096, 0, 0, Sleep)
	assert.ErrorIs(t, err, ErrNoMemory)

	require.NoError(t, a.AddSpan(0, 8192))
	_, err = a.Alloc(4096, 0, 0, Sleep)
	require.NoError(t, err)

	// Larger than the arena could ever offer, even after all frees.
	_, err = a.Alloc(16384, 0, 0, Sleep)
	assert.ErrorIs(t, err, ErrNoMemory)
}

func Test_Import_GrowsArenaOnDemand(t *testing.T) {
	var calls atomic.Uint64
	next := Addr(0x100000)
	imp := func(size uint64, flags Flags) (Addr, uint64, error) {
		calls.Add(1)
		// Grant a fixed 16 KiB granule regardless of the ask.
		base := next
		next += 0x4000
		return base, 0x4000, nil
	}

	a, err := New("test", 4096, WithImport(imp, nil))
	require.NoError(t, err)

	// First allocation imports one granule; the next three live off it.
	for i := range 4 {
		_, err := a.Alloc(4096, 0, 0, NoSleep)
		require.NoError(t, err, "alloc %d", i)
	}
	assert.Equal(t, uint64(1), calls.Load(), "one granule covers four blocks")

	_, err = a.Alloc(4096, 0, 0, NoSleep)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), calls.Load(), "fifth block forces a second import")

	st := a.Stats()
	assert.Equal(t, uint64(2), st.Imports)
	assert.Equal(t, uint64(0x8000), st.Size)
	assert.Equal(t, uint64(0x5000), st.InUse)
}

func Test_Import_PaddedAskSatisfiesConstraints(t *testing.T) {
	var asked uint64
	next := Addr(1001) // no particular alignment beyond the quantum
	imp := func(size uint64, flags Flags) (Addr, uint64, error) {
		asked = size
		base := next
		next += Addr(size)
		return base, size, nil
	}

	a, err := New("test", 1, WithImport(imp, nil))
	require.NoError(t, err)

	addr, err := a.Alloc(100, 256, 0, NoSleep)
	require.NoError(t, err)
	assert.Equal(t, uint64(100+256), asked, "ask padded by the alignment")
	assert.Zero(t, uint64(addr)%256)
	assert.Equal(t, uint64(1), a.Stats().Imports, "a single import suffices")

	addr, err = a.Alloc(300, 4, 512, NoSleep)
	require.NoError(t, err)
	assert.Equal(t, uint64(300+512), asked, "boundary dominates the pad")
	assert.Zero(t, uint64(addr)%4)
	assert.False(t, align.Crosses(uint64(addr), 300, 512))
}

func Test_Import_FailureWrapsErrNoMemory(t *testing.T) {
	cause := errors.New("backing store exhausted")
	imp := func(size uint64, flags Flags) (Addr, uint64, error) {
		return 0, 0, cause
	}

	a, err := New("test", 4096, WithImport(imp, nil))
	require.NoError(t, err)

	_, err = a.Alloc(4096, 0, 0, NoSleep)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.ErrorIs(t, err, cause, "import error preserved in the chain")
}

func Test_Alloc_SleepBlocksUntilFree(t *testing.T) {
	a, err := New("test", 1)
	require.NoError(t, err)
	require.NoError(t, a.AddSpan(0, 0x1000))

	addr, err := a.Alloc(0x1000, 0, 0, Sleep)
	require.NoError(t, err)

	type result struct {
		addr Addr
		err  error
	}
	done := make(chan result, 1)
	go func() {
		got, err := a.Alloc(0x1000, 0, 0, Sleep)
		done <- result{got, err}
	}()

	select {
	case <-done:
		t.Fatal("allocation completed while the arena was full")
	case <-time.After(50 * time.Millisecond):
	}

	a.Free(addr, 0x1000)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, Addr(0), r.addr)
	case <-time.After(2 * time.Second):
		t.Fatal("allocation still blocked after the free")
	}

	assert.GreaterOrEqual(t, a.Stats().SleepWaits, uint64(1))
}

func Test_Destroy_ReleasesImportedSpansOnly(t *testing.T) {
	type released struct {
		base Addr
		size uint64
	}
	var got []released
	imp := func(size uint64, flags Flags) (Addr, uint64, error) {
		return 0x200000, size, nil
	}
	rel := func(base Addr, size uint64) {
		got = append(got, released{base, size})
	}

	a, err := New("test", 4096, WithImport(imp, rel))
	require.NoError(t, err)
	require.NoError(t, a.AddSpan(0x10000, 0x4000))

	// Static span satisfies the first alloc; exhaust it to force import.
	_, err = a.Alloc(0x4000, 0, 0, NoSleep)
	require.NoError(t, err)
	_, err = a.Alloc(0x1000, 0, 0, NoSleep)
	require.NoError(t, err)

	a.Destroy()
	require.Len(t, got, 1, "only the imported span is released")
	assert.Equal(t, Addr(0x200000), got[0].base)
	assert.Equal(t, uint64(0x1000), got[0].size)
}

func Test_Stats_Counters(t *testing.T) {
	a, err := New("test", 1)
	require.NoError(t, err)
	require.NoError(t, a.AddSpan(0, 0x1000))

	addrs := make([]Addr, 0, 4)
	for range 4 {
		addr, err := a.Alloc(0x100, 0, 0, NoSleep)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs[:2] {
		a.Free(addr, 0x100)
	}

	st := a.Stats()
	assert.Equal(t, uint64(4), st.Allocs)
	assert.Equal(t, uint64(2), st.Frees)
	assert.Equal(t, uint64(0x200), st.InUse)
	assert.Equal(t, uint64(0xe00), st.Free)
	assert.Equal(t, 1, st.Spans)
}

func Test_Arena_ConcurrentAllocFree(t *testing.T) {
	var next atomic.Uint64
	next.Store(1 << 20)
	imp := func(size uint64, flags Flags) (Addr, uint64, error) {
		granule := align.Up(size, 1<<16)
		return Addr(next.Add(granule) - granule), granule, nil
	}

	a, err := New("test", 64, WithImport(imp, nil))
	require.NoError(t, err)

	const (
		goroutines = 8
		iterations = 500
	)
	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held := make([]Addr, 0, 8)
			sizes := make([]uint64, 0, 8)
			for i := range iterations {
				size := uint64((g*37+i*13)%960 + 64)
				addr, err := a.Alloc(size, 0, 0, Sleep)
				if err != nil {
					panic(err)
				}
				held = append(held, addr)
				sizes = append(sizes, size)
				if len(held) == cap(held) {
					for j, h := range held {
						a.Free(h, sizes[j])
					}
					held = held[:0]
					sizes = sizes[:0]
				}
			}
			for j, h := range held {
				a.Free(h, sizes[j])
			}
		}()
	}
	wg.Wait()

	st := a.Stats()
	assert.Equal(t, uint64(0), st.InUse, "every allocation was returned")
	assert.Equal(t, uint64(goroutines*iterations), st.Allocs)
	assert.Equal(t, st.Allocs, st.Frees)
}
