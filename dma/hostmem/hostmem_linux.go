package hostmem

import "golang.org/x/sys/unix"

// hugeFlag maps from the hugetlb pool. The region size must be a
// multiple of the configured huge page size.
const hugeFlag = unix.MAP_HUGETLB
