//go:build linux || freebsd

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const supported = true

// sysAlloc maps n bytes of anonymous private memory and pins it. n is
// already page-rounded by the caller.
func sysAlloc(n int, opts Options) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if opts.HugePages {
		flags |= hugeFlag
	}
	buf, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", n, err)
	}
	if !opts.NoPin {
		if err := unix.Mlock(buf); err != nil {
			_ = unix.Munmap(buf)
			return nil, fmt.Errorf("hostmem: mlock %d bytes: %w", n, err)
		}
	}
	return buf, nil
}

// sysFree unmaps a region returned by sysAlloc, dropping its pin.
func sysFree(buf []byte) error {
	return unix.Munmap(buf)
}
