package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"contframe/kernel/hal/memmap"
	"contframe/kernel/kfmt"
	"contframe/kernel/mm"
	"contframe/kernel/mm/physmem"
	"contframe/kernel/mm/pmm"
)

var (
	// Global flags
	layoutPath string
	verbose    bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "framectl",
	Short: "Drive the contiguous physical frame allocator",
	Long: `framectl brings up the frame pools described by a memory layout over a
simulated physical address space. It can print the resulting pools, compute
bookkeeping requirements and execute allocation scripts.

The layout is read from --layout, the ` + memmap.LayoutFileEnv + ` environment
variable or, if neither is set, the built-in 32M reference layout.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&layoutPath, "layout", "l", "", "Memory layout file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show kernel log output during bring-up")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// system bundles the allocator state created by bringUp.
type system struct {
	layout   *memmap.Layout
	mem      *physmem.Memory
	registry *pmm.Registry
	pools    map[string]*pmm.ContFramePool
}

// bringUp loads the layout, maps physical memory and initializes the pools.
// Kernel log output produced while doing so goes to logOut in verbose mode
// and is dropped otherwise; later output, such as the halt banner of an
// invariant violation, always reaches logOut.
func bringUp(logOut io.Writer) (*system, error) {
	layout, err := memmap.Load(layoutPath)
	if err != nil {
		return nil, err
	}

	mem, err := physmem.New(layout.TotalFrames)
	if err != nil {
		return nil, err
	}

	kernelLog := &kfmt.PrefixWriter{Sink: logOut, Prefix: []byte("[kernel] ")}
	if verbose {
		kfmt.SetOutputSink(kernelLog)
	}

	reg, pools, kerr := pmm.Init(layout, mem)
	if kerr != nil {
		mem.Close()
		return nil, fmt.Errorf("bringing up frame pools: %s", kerr.String())
	}

	if !verbose {
		// Flush the buffered bring-up log into io.Discard, then attach stderr.
		kfmt.SetOutputSink(io.Discard)
		kfmt.SetOutputSink(kernelLog)
	}

	return &system{layout: layout, mem: mem, registry: reg, pools: pools}, nil
}

func (s *system) Close() error {
	return s.mem.Close()
}

// poolStats is the printable summary of a pool.
type poolStats struct {
	Name           string `json:"name"`
	BaseFrame      uint64 `json:"baseFrame"`
	FrameCount     uint32 `json:"frameCount"`
	FreeFrames     uint32 `json:"freeFrames"`
	InfoFrame      uint64 `json:"infoFrame"`
	InfoFrameCount uint32 `json:"infoFrameCount"`
	Size           string `json:"size"`
}

// stats summarizes the pools in layout order.
func (s *system) stats() []poolStats {
	var out []poolStats
	s.layout.VisitPools(func(region *memmap.PoolRegion) bool {
		pool := s.pools[region.Name]
		out = append(out, poolStats{
			Name:           region.Name,
			BaseFrame:      uint64(pool.BaseFrame()),
			FrameCount:     pool.FrameCount(),
			FreeFrames:     pool.FreeFrames(),
			InfoFrame:      uint64(pool.InfoFrame()),
			InfoFrameCount: pool.InfoFrameCount(),
			Size:           mm.FramesToSize(pool.FrameCount()).String(),
		})
		return true
	})
	return out
}

// printStats writes the pool summary as a table or, with --json, as JSON.
func printStats(w io.Writer, stats []poolStats) error {
	if jsonOut {
		return printJSON(w, stats)
	}

	fmt.Fprintf(w, "%-12s %10s %10s %10s %10s %6s %6s\n", "POOL", "BASE", "FRAMES", "FREE", "INFO", "NINFO", "SIZE")
	for _, st := range stats {
		fmt.Fprintf(w, "%-12s %10d %10d %10d %10d %6d %6s\n", st.Name, st.BaseFrame, st.FrameCount, st.FreeFrames, st.InfoFrame, st.InfoFrameCount, st.Size)
	}
	return nil
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
