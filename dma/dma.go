package dma

import "fmt"

// Addr is an address in device (bus) address space.
type Addr uint64

// Region describes one contiguous run of memory. Depending on context it
// is either a provider-owned backing region (from Tag.AllocRegion) or a
// device-visible range (from Mapping.Load).
type Region struct {
	Addr Addr
	Len  int
}

// End returns the first address past the region.
func (r Region) End() Addr {
	return r.Addr + Addr(r.Len)
}

// Contains reports whether a falls inside the region.
func (r Region) Contains(a Addr) bool {
	return a >= r.Addr && a < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x,%#x)", uint64(r.Addr), uint64(r.End()))
}

// Flags select blocking behavior and mapping attributes for Tag and
// Mapping operations.
type Flags uint32

const (
	// WaitOK allows the operation to block until resources are available.
	WaitOK Flags = 1 << iota

	// NoWait makes the operation fail immediately instead of blocking.
	NoWait

	// Coherent requests a CPU mapping that is coherent with device
	// access. Providers that cannot honor it fail with ErrMapFailed.
	Coherent

	// ZeroFill requests zeroed memory. Only pool-level allocation honors
	// it; Tag implementations may ignore it.
	ZeroFill
)

// Has reports whether every bit in mask is set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// SyncOp is a set of directional cache synchronization operations, applied
// around a DMA transfer.
type SyncOp uint32

const (
	// SyncPreRead prepares a range before the device writes to it.
	SyncPreRead SyncOp = 1 << iota

	// SyncPostRead completes a device write: CPU reads that follow
	// observe what the device wrote.
	SyncPostRead

	// SyncPreWrite publishes CPU writes before the device reads the
	// range.
	SyncPreWrite

	// SyncPostWrite completes a device read.
	SyncPostWrite

	syncPre  = SyncPreRead | SyncPreWrite
	syncPost = SyncPostRead | SyncPostWrite
	syncAll  = syncPre | syncPost
)

// Validate checks that ops names at least one known operation, no unknown
// bits, and does not mix PRE with POST operations. Mixing is rejected
// because the two halves bracket a transfer; a single call cannot be on
// both sides of it.
func (ops SyncOp) Validate() error {
	if ops == 0 {
		return fmt.Errorf("%w: empty", ErrBadSyncOp)
	}
	if ops&^syncAll != 0 {
		return fmt.Errorf("%w: unknown bits %#x", ErrBadSyncOp, uint32(ops&^syncAll))
	}
	if ops&syncPre != 0 && ops&syncPost != 0 {
		return fmt.Errorf("%w: PRE and POST mixed (%v)", ErrBadSyncOp, ops)
	}
	return nil
}

func (ops SyncOp) String() string {
	if ops == 0 {
		return "none"
	}
	names := [...]struct {
		bit  SyncOp
		name string
	}{
		{SyncPreRead, "preread"},
		{SyncPostRead, "postread"},
		{SyncPreWrite, "prewrite"},
		{SyncPostWrite, "postwrite"},
	}
	s := ""
	for _, n := range names {
		if ops&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	if rest := ops &^ syncAll; rest != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#x", uint32(rest))
	}
	return s
}
