package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/dmapool"
)

var (
	syncBlockSize uint64
	syncBlocks    int
	syncIters     int
)

func init() {
	cmd := newSyncCmd()
	cmd.Flags().Uint64Var(&syncBlockSize, "block-size", 2048, "Block size in bytes")
	cmd.Flags().IntVar(&syncBlocks, "blocks", 16, "Blocks to cycle over")
	cmd.Flags().IntVar(&syncIters, "iters", 10000, "Write/read rounds over the block set")
	rootCmd.AddCommand(cmd)
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync round-trip workload",
		Long: `The sync command allocates a fixed set of blocks and drives write/read
rounds over them: fill a block, sync it toward the device, then sync it
back. Each round costs two sync operations per block.

The test tag records every sync it sees, so its memory use grows with
--iters; the host tag's syncs are free and measure dispatch overhead only.

Example:
  dmabench sync --blocks 64 --iters 50000
  dmabench sync --tag host --block-size 4096 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync()
		},
	}
}

type syncReport struct {
	Syncs       int
	Elapsed     string
	SyncsPerSec float64
	Stats       dmapool.Stats
}

func runSync() error {
	tag, err := newTag()
	if err != nil {
		return err
	}
	pool, err := dmapool.New("bench", tag, syncBlockSize, syncBlockSize, 0, nil)
	if err != nil {
		return err
	}
	defer pool.Destroy()

	printVerbose("sync: blocks=%d iters=%d block=%d\n", syncBlocks, syncIters, syncBlockSize)

	bufs := make([][]byte, syncBlocks)
	handles := make([]dma.Addr, syncBlocks)
	for i := range syncBlocks {
		buf, h, err := pool.Alloc(dma.WaitOK)
		if err != nil {
			return err
		}
		bufs[i], handles[i] = buf, h
	}

	start := time.Now()
	for round := range syncIters {
		for i, h := range handles {
			bufs[i][0] = byte(round)
			pool.Sync(h, dma.SyncPreWrite)
			pool.Sync(h, dma.SyncPostRead)
		}
	}
	elapsed := time.Since(start)

	for _, h := range handles {
		pool.Free(h)
	}

	report := syncReport{
		Syncs:       2 * syncIters * syncBlocks,
		Elapsed:     elapsed.String(),
		SyncsPerSec: float64(2*syncIters*syncBlocks) / elapsed.Seconds(),
		Stats:       pool.Stats(),
	}
	if jsonOut {
		return printJSON(report)
	}
	printInfo("sync: %d syncs in %s (%.0f syncs/s)\n", report.Syncs, report.Elapsed, report.SyncsPerSec)
	printStats(report.Stats)
	return nil
}
