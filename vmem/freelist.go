package vmem

import "math/bits"

// numClasses is the number of segregated free lists. Class c holds free
// chunks whose size falls in [2^c, 2^(c+1)), so 64 classes cover every
// possible uint64 size.
const numClasses = 64

// chunk is one free range inside a span. Chunks live in per-class
// min-heaps keyed on size and in the start/end indexes used for
// coalescing.
type chunk struct {
	addr      Addr
	size      uint64
	heapIndex int // position in its class heap, for heap.Remove
}

// end returns the first address past the chunk.
func (c *chunk) end() Addr {
	return c.addr + Addr(c.size)
}

// classOf returns the free-list class for a chunk of the given size:
// floor(log2(size)). A request of the same size may also be satisfied by
// chunks in any higher class.
func classOf(size uint64) int {
	return bits.Len64(size) - 1
}

// chunkHeap implements heap.Interface as a min-heap keyed on chunk size.
// The smallest chunk in a class sits at the top, so best-fit inside one
// class starts from heap[0].
type chunkHeap []*chunk

func (h *chunkHeap) Len() int { return len(*h) }

func (h *chunkHeap) Less(i, j int) bool {
	return (*h)[i].size < (*h)[j].size
}

func (h *chunkHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *chunkHeap) Push(x any) {
	c := x.(*chunk) //nolint:errcheck // heap.Interface contract guarantees type
	c.heapIndex = len(*h)
	*h = append(*h, c)
}

func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	c.heapIndex = -1
	*h = old[0 : n-1]
	return c
}
