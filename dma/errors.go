package dma

import "errors"

var (
	// ErrNoMemory indicates the provider could not supply the requested
	// memory.
	ErrNoMemory = errors.New("dma: out of device memory")

	// ErrMapFailed indicates a region could not be mapped for CPU access.
	ErrMapFailed = errors.New("dma: map failed")

	// ErrLoadFailed indicates a region could not be bound for device
	// access.
	ErrLoadFailed = errors.New("dma: load failed")

	// ErrSplitLoad indicates a load produced more than one device-visible
	// range where the caller requires a single contiguous one.
	ErrSplitLoad = errors.New("dma: load split into multiple regions")

	// ErrBadSyncOp indicates an invalid sync operation set.
	ErrBadSyncOp = errors.New("dma: bad sync op")

	// ErrUnsupported indicates the operation is not available on this
	// platform or provider.
	ErrUnsupported = errors.New("dma: not supported")
)
