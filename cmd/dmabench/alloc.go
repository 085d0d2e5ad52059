package main

import (
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/dmapool"
)

var (
	allocBlockSize uint64
	allocAlign     uint64
	allocBoundary  uint64
	allocIters     int
	allocWorkers   int
	allocLive      int
	allocZero      bool
)

func init() {
	cmd := newAllocCmd()
	cmd.Flags().Uint64Var(&allocBlockSize, "block-size", 256, "Block size in bytes")
	cmd.Flags().Uint64Var(&allocAlign, "align", 256, "Block alignment (power of two, 0 = byte)")
	cmd.Flags().Uint64Var(&allocBoundary, "boundary", 0, "Line no block may cross (power of two, 0 = none)")
	cmd.Flags().IntVar(&allocIters, "iters", 100000, "Allocations per worker")
	cmd.Flags().IntVar(&allocWorkers, "workers", 1, "Concurrent workers")
	cmd.Flags().IntVar(&allocLive, "live", 64, "Blocks each worker holds before recycling")
	cmd.Flags().BoolVar(&allocZero, "zero", false, "Use zeroing allocations")
	rootCmd.AddCommand(cmd)
}

func newAllocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alloc",
		Short: "Run an alloc/free churn workload",
		Long: `The alloc command hammers a pool with allocate/hold/free cycles and
reports throughput plus the pool's growth behavior. Each worker holds up
to --live blocks before recycling them, so the pool sees both steady
reuse and bursts that force new segments.

Example:
  dmabench alloc --iters 500000 --workers 4
  dmabench alloc --block-size 64 --align 64 --boundary 4096 --zero
  dmabench alloc --tag host --no-pin --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlloc()
		},
	}
}

type allocReport struct {
	Ops       int
	Elapsed   string
	OpsPerSec float64
	Stats     dmapool.Stats
}

func runAlloc() error {
	tag, err := newTag()
	if err != nil {
		return err
	}
	pool, err := dmapool.New("bench", tag, allocBlockSize, allocAlign, allocBoundary, nil)
	if err != nil {
		return err
	}
	defer pool.Destroy()

	printVerbose("alloc: workers=%d iters=%d live=%d block=%d align=%d boundary=%d zero=%v\n",
		allocWorkers, allocIters, allocLive, allocBlockSize, allocAlign, allocBoundary, allocZero)

	errs := make(chan error, allocWorkers)
	start := time.Now()
	var wg sync.WaitGroup
	for range allocWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held := make([]dma.Addr, 0, allocLive)
			for range allocIters {
				var (
					h   dma.Addr
					err error
				)
				if allocZero {
					_, h, err = pool.Zalloc(dma.WaitOK)
				} else {
					_, h, err = pool.Alloc(dma.WaitOK)
				}
				if err != nil {
					errs <- err
					return
				}
				held = append(held, h)
				if len(held) == allocLive {
					for _, old := range held {
						pool.Free(old)
					}
					held = held[:0]
				}
			}
			for _, old := range held {
				pool.Free(old)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	close(errs)
	if err := <-errs; err != nil {
		return err
	}

	ops := allocWorkers * allocIters
	report := allocReport{
		Ops:       ops,
		Elapsed:   elapsed.String(),
		OpsPerSec: float64(ops) / elapsed.Seconds(),
		Stats:     pool.Stats(),
	}
	if jsonOut {
		return printJSON(report)
	}
	printInfo("alloc: %d alloc/free pairs in %s (%.0f ops/s)\n", report.Ops, report.Elapsed, report.OpsPerSec)
	printStats(report.Stats)
	return nil
}
