package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"contframe/kernel/mm"
	"contframe/kernel/mm/pmm"
)

var infoFramesCmd = &cobra.Command{
	Use:   "info-frames <frames>",
	Short: "Compute the state store size for a pool",
	Long: `Print the number of frames needed to hold the state store of a pool
with the given number of frames.`,
	Args: cobra.ExactArgs(1),
	RunE: runInfoFrames,
}

func init() {
	rootCmd.AddCommand(infoFramesCmd)
}

type infoFramesResult struct {
	Frames     uint32 `json:"frames"`
	InfoFrames uint32 `json:"infoFrames"`
	PoolSize   string `json:"poolSize"`
	StoreSize  string `json:"storeSize"`
}

func runInfoFrames(cmd *cobra.Command, args []string) error {
	n, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid frame count %q: %w", args[0], err)
	}

	res := infoFramesResult{
		Frames:     uint32(n),
		InfoFrames: pmm.NeededInfoFrames(uint32(n)),
		PoolSize:   mm.FramesToSize(uint32(n)).String(),
	}
	res.StoreSize = mm.FramesToSize(res.InfoFrames).String()

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, res)
	}

	fmt.Fprintf(out, "%d frames (%s) need %d info frame(s) (%s)\n", res.Frames, res.PoolSize, res.InfoFrames, res.StoreSize)
	return nil
}
