// Package vmem implements a growable arena allocator over an abstract
// address space. Callers donate coarse spans (or supply an import
// callback that produces them on demand) and carve aligned,
// boundary-constrained ranges out of them. The arena never touches
// memory: an Addr is an opaque ordered value, which makes the same
// allocator usable for device addresses, file offsets and plain byte
// ranges alike.
//
// # Quantum
//
// Every arena has a quantum, its allocation granularity. Sizes round up
// to the quantum, spans must be quantum-aligned, and the default
// alignment for Alloc is the quantum itself. A quantum of 1 gives a
// plain byte allocator.
//
// # Best fit
//
// Free chunks live in 64 power-of-two size classes, one min-heap per
// class. Alloc scans classes upward from the request's class and takes
// the smallest chunk that can satisfy the size, alignment and boundary
// together. Since every chunk in a class is strictly smaller than every
// chunk in the next class, the first class with a fit contains the best
// fit; head and tail remainders of the carve go back to the lists.
//
// # Boundary constraint
//
// A non-zero boundary guarantees the allocated range does not cross any
// boundary-aligned line, the classic restriction of DMA windows and
// hardware rings. The boundary must be a power of two at least as large
// as the rounded size.
//
// # Growth
//
// When no chunk fits, an arena built WithImport asks the callback for
// one more span, padded so that a single import always satisfies the
// allocation that triggered it. Imported spans stay in the arena until
// Destroy, which hands them back through the release callback. Frees
// coalesce adjacent chunks but never across span boundaries.
//
// # Blocking
//
// Alloc takes exactly one of Sleep or NoSleep. NoSleep fails fast with
// ErrNoMemory, wrapping the import error when growth was attempted.
// Sleep blocks until another goroutine frees or imports enough space,
// with one import attempt per wakeup; it fails only when the arena can
// prove the request is unsatisfiable.
//
// # Contract violations
//
// Free panics on an address the arena never handed out, on a double
// free and on a size that does not match the allocation. These are
// caller bugs that would corrupt arena bookkeeping, not runtime
// conditions, so they are not reported as errors.
//
// Set the DMAKIT_LOG_VMEM environment variable to trace imports and
// sleeps on stderr.
package vmem
