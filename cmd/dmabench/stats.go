package main

import (
	"github.com/spf13/cobra"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/dmapool"
)

var (
	statsBlockSize uint64
	statsAlign     uint64
	statsBoundary  uint64
	statsBlocks    int
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().Uint64Var(&statsBlockSize, "block-size", 256, "Block size in bytes")
	cmd.Flags().Uint64Var(&statsAlign, "align", 256, "Block alignment (power of two, 0 = byte)")
	cmd.Flags().Uint64Var(&statsBoundary, "boundary", 0, "Line no block may cross (power of two, 0 = none)")
	cmd.Flags().IntVar(&statsBlocks, "blocks", 1000, "Blocks to allocate before freeing every other one")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool counters after a canned workload",
		Long: `The stats command allocates a batch of blocks, frees every other one,
and dumps the pool's counters. The half-freed state shows how the
arena fragments: free chunks pile up while the largest free run stays
one block wide until neighbors coalesce.

Example:
  dmabench stats --blocks 5000 --block-size 64
  dmabench stats --boundary 4096 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func runStats() error {
	tag, err := newTag()
	if err != nil {
		return err
	}
	pool, err := dmapool.New("bench", tag, statsBlockSize, statsAlign, statsBoundary, nil)
	if err != nil {
		return err
	}
	defer pool.Destroy()

	printVerbose("stats: blocks=%d block=%d align=%d boundary=%d\n",
		statsBlocks, statsBlockSize, statsAlign, statsBoundary)

	handles := make([]dma.Addr, 0, statsBlocks)
	for range statsBlocks {
		_, h, err := pool.Alloc(dma.WaitOK)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	for i := 0; i < len(handles); i += 2 {
		pool.Free(handles[i])
	}

	st := pool.Stats()
	if jsonOut {
		return printJSON(st)
	}
	printStats(st)
	return nil
}

func printStats(st dmapool.Stats) {
	printInfo("pool:  block=%d in-use=%d segments=%d segment-bytes=%d\n",
		st.BlockSize, st.BlocksInUse, st.Segments, st.SegmentBytes)
	printInfo("arena: size=%d free=%d largest-free=%d chunks=%d\n",
		st.Arena.Size, st.Arena.Free, st.Arena.LargestFree, st.Arena.FreeChunks)
	printInfo("ops:   allocs=%d frees=%d imports=%d sleeps=%d\n",
		st.Arena.Allocs, st.Arena.Frees, st.Arena.Imports, st.Arena.SleepWaits)
}
