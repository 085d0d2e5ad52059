package dmapool

import "errors"

var (
	// ErrNilTag is returned by New when no tag is supplied.
	ErrNilTag = errors.New("dmapool: nil tag")

	// ErrBadBlockSize is returned by New for a zero block size.
	ErrBadBlockSize = errors.New("dmapool: block size must be > 0")

	// ErrBadAlign is returned by New for an alignment that is not a
	// power of two or that exceeds the segment page size.
	ErrBadAlign = errors.New("dmapool: alignment must be a power of two")

	// ErrBadBoundary is returned by New for a boundary that is not a
	// power of two or is too small to hold an aligned block.
	ErrBadBoundary = errors.New("dmapool: boundary must be a power of two >= block size")

	// ErrBadFlags is returned by Alloc when WaitOK and NoWait are both
	// set.
	ErrBadFlags = errors.New("dmapool: WaitOK and NoWait are mutually exclusive")
)
