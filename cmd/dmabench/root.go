package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busdma/dmakit/dma"
	"github.com/busdma/dmakit/dma/dmatest"
	"github.com/busdma/dmakit/dma/hostmem"
)

var (
	// Global flags
	quiet   bool
	verbose bool
	jsonOut bool

	tagKind string
	noPin   bool
)

var rootCmd = &cobra.Command{
	Use:   "dmabench",
	Short: "Benchmark and inspect dmakit DMA block pools",
	Long: `dmabench runs allocation and synchronization workloads against a
dmakit pool and reports throughput, growth behavior, and arena statistics.

Workloads run over one of two memory providers:
  test   in-memory accounting tag with a simulated device side (default)
  host   pinned anonymous host memory (linux/freebsd)`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&tagKind, "tag", "test", "Memory provider: test or host")
	rootCmd.PersistentFlags().BoolVar(&noPin, "no-pin", false, "Skip mlock pinning (host tag only)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newTag builds the memory provider selected by --tag.
func newTag() (dma.Tag, error) {
	switch tagKind {
	case "test":
		return dmatest.New(nil), nil
	case "host":
		return hostmem.New(&hostmem.Options{NoPin: noPin})
	default:
		return nil, fmt.Errorf("unknown tag %q (want test or host)", tagKind)
	}
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
