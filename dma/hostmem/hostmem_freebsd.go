package hostmem

import "golang.org/x/sys/unix"

// hugeFlag requests a superpage-aligned mapping, FreeBSD's route to
// transparent superpage promotion; there is no reserved hugetlb pool.
const hugeFlag = unix.MAP_ALIGNED_SUPER
