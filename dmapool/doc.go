// Package dmapool implements a growable pool of fixed-size DMA blocks.
//
// Devices that consume many small, identically shaped buffers (command
// descriptors, completion entries, ring slots) cannot afford one pinned
// backing allocation per buffer. A Pool instead acquires coarse
// page-granular segments through a dma.Tag and carves fixed-size blocks
// out of them, so the expensive pin/map/load sequence runs once per
// segment rather than once per block.
//
// # Blocks and handles
//
// Alloc returns two views of the same memory: a []byte for the CPU and
// a dma.Addr handle for the device. The handle is the block's identity;
// Free and Sync take only the handle and the pool re-derives the CPU
// side from its segment registry. Every block is physically contiguous,
// aligned to the pool's alignment and, when a boundary is configured,
// guaranteed not to cross a boundary-aligned line, which is the usual
// constraint of descriptor rings and IOMMU windows.
//
// # Growth
//
// The pool starts empty. When an allocation finds no room, the pool
// acquires one more segment: create a mapping, allocate a pinned
// contiguous region, map it for the CPU, load it for the device, then
// publish the device range to the internal address arena. The steps are
// ordered and a failure unwinds the completed ones in reverse, so a
// failed grow leaves no resource behind. Freed blocks recycle within
// their segment; segments themselves are only released by Destroy.
//
// # Synchronization
//
// The CPU view and the device view of a block are not assumed coherent.
// Sync brackets each transfer: SyncPreWrite after the CPU fills a block
// the device will read, SyncPostRead before the CPU reads a block the
// device wrote (and the read-prepare/write-complete counterparts). The
// directional intent is forwarded to the tag's mapping, which knows
// whether the platform needs an actual cache operation.
//
// Sequencing across calls is the caller's responsibility. The pool
// cannot observe transfer completion, so issuing a second PRE operation
// on a block without the matching POST in between is undetected and the
// resulting device view is undefined.
//
// # Misuse
//
// Freeing a handle the pool never issued, freeing twice, syncing a
// foreign handle and mixing PRE with POST operations in one Sync call
// are programming errors, not runtime conditions: they panic. Returning
// a wrong mapping or corrupting the arena would be far worse than
// stopping the program.
package dmapool
