//go:build linux || freebsd

package hostmem

import (
	"errors"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/dmapool"
)

func Test_AllocRegion_PageRoundedIdentityView(t *testing.T) {
	tg, err := New(&Options{NoPin: true})
	require.NoError(t, err)

	r, err := tg.AllocRegion(100, 0)
	require.NoError(t, err)
	assert.Equal(t, os.Getpagesize(), r.Len, "region rounds to one page")

	view, err := tg.MapRegion(r, dma.Coherent)
	require.NoError(t, err)
	require.Len(t, view, r.Len)
	assert.Equal(t, dma.Addr(uintptr(unsafe.Pointer(&view[0]))), r.Addr,
		"device address is the mapping's virtual address")

	view[0] = 0x42
	view[r.Len-1] = 0x24

	tg.UnmapRegion(r, view)
	tg.FreeRegion(r)
}

func Test_AllocRegion_Pinned(t *testing.T) {
	tg, err := New(nil)
	require.NoError(t, err)

	r, err := tg.AllocRegion(4096, 0)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EAGAIN) {
			t.Skipf("cannot pin memory under current limits: %v", err)
		}
		t.Fatal(err)
	}
	assert.Equal(t, os.Getpagesize(), r.Len)
	tg.FreeRegion(r)
}

func Test_AllocRegion_HugePages(t *testing.T) {
	tg, err := New(&Options{HugePages: true, NoPin: true})
	require.NoError(t, err)

	r, err := tg.AllocRegion(2<<20, 0)
	if errors.Is(err, dma.ErrNoMemory) {
		t.Skipf("no huge pages available: %v", err)
	}
	require.NoError(t, err)
	view, err := tg.MapRegion(r, 0)
	require.NoError(t, err)
	view[0] = 1
	tg.UnmapRegion(r, view)
	tg.FreeRegion(r)
}

func Test_Mapping_LoadIsIdentity(t *testing.T) {
	tg, err := New(&Options{NoPin: true})
	require.NoError(t, err)

	m, err := tg.CreateMapping(8192, 0)
	require.NoError(t, err)
	r, err := tg.AllocRegion(8192, 0)
	require.NoError(t, err)

	devs, err := m.Load(r, 0)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, r, devs[0], "device range is the region itself")

	assert.NotPanics(t, func() { m.Sync(0, r.Len, dma.SyncPreWrite) })
	assert.Panics(t, func() { m.Sync(0, 1, dma.SyncPreWrite|dma.SyncPostRead) })
	assert.Panics(t, func() { m.Sync(0, r.Len+1, dma.SyncPostRead) })

	m.Unload()
	m.Destroy()
	tg.FreeRegion(r)
}

func Test_Mapping_LoadTooLarge(t *testing.T) {
	tg, err := New(&Options{NoPin: true})
	require.NoError(t, err)

	m, err := tg.CreateMapping(4096, 0)
	require.NoError(t, err)
	r, err := tg.AllocRegion(8192, 0)
	require.NoError(t, err)

	_, err = m.Load(r, 0)
	assert.ErrorIs(t, err, dma.ErrLoadFailed)

	m.Destroy()
	tg.FreeRegion(r)
}

func Test_Misuse_Panics(t *testing.T) {
	tg, err := New(&Options{NoPin: true})
	require.NoError(t, err)

	r, err := tg.AllocRegion(4096, 0)
	require.NoError(t, err)
	view, err := tg.MapRegion(r, 0)
	require.NoError(t, err)

	assert.Panics(t, func() { tg.FreeRegion(r) }, "free while mapped")
	assert.Panics(t, func() { tg.FreeRegion(dma.Region{Addr: 0x1234, Len: 4096}) },
		"free of unknown region")
	assert.Panics(t, func() { _, _ = tg.MapRegion(r, 0) }, "map twice")

	tg.UnmapRegion(r, view)
	tg.FreeRegion(r)
}

func Test_PoolOverHostMemory(t *testing.T) {
	tg, err := New(&Options{NoPin: true})
	require.NoError(t, err)

	p, err := dmapool.New("host", tg, 256, 256, 4096, nil)
	require.NoError(t, err)

	type block struct {
		buf    []byte
		handle dma.Addr
	}
	blocks := make([]block, 0, 40)
	for i := range 40 {
		buf, h, err := p.Zalloc(dma.NoWait)
		require.NoError(t, err, "alloc %d", i)
		// Identity property end to end: the handle the device would
		// use is the virtual address of the returned view.
		assert.Equal(t, dma.Addr(uintptr(unsafe.Pointer(&buf[0]))), h)

		for j := range buf {
			buf[j] = byte(i)
		}
		p.Sync(h, dma.SyncPreWrite)
		blocks = append(blocks, block{buf, h})
	}

	// No block was scribbled by a neighbor.
	for i, b := range blocks {
		p.Sync(b.handle, dma.SyncPostRead)
		for _, got := range b.buf {
			require.Equal(t, byte(i), got, "block %d corrupted", i)
		}
		p.Free(b.handle)
	}

	p.Destroy()
}
