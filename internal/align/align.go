// Package align provides power-of-two address arithmetic shared by the
// vmem arena and the DMA pool.
package align

// IsPow2 reports whether v is a power of two. Zero is not a power of two.
func IsPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// Up rounds v up to the next multiple of a. a must be a power of two.
func Up(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Down rounds v down to the previous multiple of a. a must be a power of two.
func Down(v, a uint64) uint64 {
	return v &^ (a - 1)
}

// Crosses reports whether the range [addr, addr+size) straddles a
// boundary-aligned line. boundary must be zero (no constraint) or a power
// of two. A zero-length range never crosses.
func Crosses(addr, size, boundary uint64) bool {
	if boundary == 0 || size == 0 {
		return false
	}
	return Down(addr, boundary) != Down(addr+size-1, boundary)
}
