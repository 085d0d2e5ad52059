package vmem

import "errors"

var (
	// ErrNoMemory indicates no free range could satisfy the request and
	// the arena could not be grown. It wraps the import error when one
	// occurred.
	ErrNoMemory = errors.New("vmem: out of address space")

	// ErrBadQuantum indicates the arena quantum is not a power of two.
	ErrBadQuantum = errors.New("vmem: quantum must be a power of two")

	// ErrBadSize indicates a zero-size allocation request.
	ErrBadSize = errors.New("vmem: size must be > 0")

	// ErrBadAlign indicates an alignment that is not a power of two or is
	// smaller than the arena quantum.
	ErrBadAlign = errors.New("vmem: alignment must be a power of two >= quantum")

	// ErrBadBoundary indicates a boundary that is not a power of two or
	// is smaller than the requested size. A block larger than the
	// boundary cannot avoid crossing it.
	ErrBadBoundary = errors.New("vmem: boundary must be a power of two >= size")

	// ErrBadFlags indicates the flags name neither or both of Sleep and
	// NoSleep.
	ErrBadFlags = errors.New("vmem: exactly one of Sleep or NoSleep required")

	// ErrBadSpan indicates a span that is not quantum-aligned or overlaps
	// an existing span.
	ErrBadSpan = errors.New("vmem: bad span")
)
