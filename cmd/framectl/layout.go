package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"contframe/kernel/hal/memmap"
)

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Bring up the frame pools and print them",
	Long: `Bring up the frame pools described by the memory layout and print, for
each pool, its frame range, free frame count and state store location.

Use --dump to print the effective layout as YAML instead.`,
	Args: cobra.NoArgs,
	RunE: runLayout,
}

var dumpLayout bool

func init() {
	layoutCmd.Flags().BoolVar(&dumpLayout, "dump", false, "Print the effective layout as YAML")
	rootCmd.AddCommand(layoutCmd)
}

func runLayout(cmd *cobra.Command, args []string) error {
	if dumpLayout {
		layout, err := memmap.Load(layoutPath)
		if err != nil {
			return err
		}
		return memmap.Encode(cmd.OutOrStdout(), layout)
	}

	sys, err := bringUp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer sys.Close()

	out := cmd.OutOrStdout()
	if err := printStats(out, sys.stats()); err != nil {
		return err
	}

	if !jsonOut {
		fmt.Fprintf(out, "\n%d of %d frames free, default pool %q\n", sys.registry.FreeFrames(), sys.layout.TotalFrames, sys.layout.DefaultPool)
	}
	return nil
}
