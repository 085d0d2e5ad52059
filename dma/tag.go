package dma

// Tag provides device memory. It is the constraint context a platform hands
// to a consumer: which memory the device can reach, how it must be mapped,
// and how mappings are created.
//
// All methods must be safe for concurrent use.
type Tag interface {
	// CreateMapping creates an empty Mapping able to bind one region of
	// up to size bytes.
	CreateMapping(size int, flags Flags) (Mapping, error)

	// AllocRegion allocates size bytes of physically contiguous memory
	// reachable by the device. Implementations return page-aligned
	// regions. The region is a backing handle: it must be mapped before
	// the CPU touches it and loaded before the device does.
	AllocRegion(size int, flags Flags) (Region, error)

	// FreeRegion releases a region obtained from AllocRegion. The region
	// must be unmapped and not loaded in any Mapping.
	FreeRegion(r Region)

	// MapRegion maps a region for CPU access and returns the view. The
	// Coherent flag requests a mapping that needs no explicit cache
	// maintenance between CPU and device.
	MapRegion(r Region, flags Flags) ([]byte, error)

	// UnmapRegion releases a CPU view returned by MapRegion.
	UnmapRegion(r Region, v []byte)
}

// Mapping is one binding of backing memory into device address space.
type Mapping interface {
	// Load binds region r for device access and returns the device-visible
	// ranges. Most hardware and consumers require exactly one range;
	// implementations that cannot bind r contiguously return several, and
	// the caller decides whether that is acceptable.
	Load(r Region, flags Flags) ([]Region, error)

	// Unload drops the device binding established by Load.
	Unload()

	// Sync performs the given synchronization on [off, off+n) of the
	// loaded region. The range is relative to the start of the binding.
	// ops must satisfy SyncOp.Validate.
	Sync(off, n int, ops SyncOp)

	// Destroy releases the Mapping. It must be unloaded first.
	Destroy()
}
