// Package dma defines the contracts between a DMA block pool and the
// platform that provides device-visible memory.
//
// # Overview
//
// Hardware that performs direct memory access addresses memory through a
// bus-specific address space that is generally distinct from the virtual
// addresses software dereferences. This package models the two collaborators
// a pool needs to bridge that gap:
//
//   - Tag: a factory for device memory. It allocates physically contiguous
//     regions, maps them for CPU access, and creates Mappings.
//   - Mapping: a binding of one region into device address space. It
//     reports where the device sees the memory (Load) and synchronizes
//     caches around transfers (Sync).
//
// Implementations live elsewhere: dmatest provides an in-memory Tag with
// resource accounting for tests, and hostmem provides a pinned host-memory
// Tag for userspace drivers on Linux and FreeBSD.
//
// # Addresses
//
// Addr is a device address. It is an opaque 64-bit value: arithmetic on it
// is only meaningful within a single Region returned by a Mapping. Consumers
// must never assume an Addr equals a virtual address, even when a particular
// Tag happens to make them identical.
//
// # Acquisition order
//
// Consumers acquire device memory in a fixed order and release it in
// reverse:
//
//	m, _ := tag.CreateMapping(n, flags)   // 1. mapping shell
//	r, _ := tag.AllocRegion(n, flags)     // 2. contiguous memory
//	v, _ := tag.MapRegion(r, flags)       // 3. CPU view
//	devs, _ := m.Load(r, flags)           // 4. device view
//
//	m.Unload()                            // 4'
//	tag.UnmapRegion(r, v)                 // 3'
//	tag.FreeRegion(r)                     // 2'
//	m.Destroy()                           // 1'
//
// A failure at any step unwinds the steps already taken, in reverse, before
// the error is returned.
//
// # Synchronization
//
// Sync operations are directional. PRE operations run before a transfer is
// started, POST operations after it completed. Mixing PRE and POST bits in
// one call is invalid: SyncOp.Validate rejects it, and consumers treat it
// as a programming error.
//
// # Thread safety
//
// Tag implementations must be safe for concurrent use. A Mapping is owned
// by one consumer at a time; concurrent Sync calls on disjoint ranges of
// the same Mapping must be safe.
package dma
