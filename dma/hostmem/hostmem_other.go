//go:build !linux && !freebsd

package hostmem

import "github.com/busdma/dmakit/dma"

const supported = false

// sysAlloc is unreachable here: New fails first. It still satisfies the
// shared code's contract.
func sysAlloc(n int, opts Options) ([]byte, error) {
	return nil, dma.ErrUnsupported
}

func sysFree(buf []byte) error {
	return nil
}
