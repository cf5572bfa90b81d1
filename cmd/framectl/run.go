package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"contframe/kernel/mm"
	"contframe/kernel/mm/pmm"
)

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Execute an allocation script",
	Long: `Bring up the frame pools and execute the allocation script read from the
given file, or from standard input if the file is "-".

Each line holds one command; blank lines and lines starting with # are
ignored. Frame numbers may be given in decimal or with a 0x prefix.

  alloc <pool> <n> [name]      allocate n contiguous frames from pool and
                               optionally remember the first frame as name
  release <frame|name>         release the run starting at frame
  reserve <pool> <frame> [n]   mark n frames (default 1) inaccessible
  expect-free <pool> <n>       fail unless pool has exactly n free frames
  map <pool>                   print the pool's frame map
  stats                        print the pool table

Releasing a frame that is not the head of an allocated run halts the
allocator, just like it would in the kernel.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runScript(cmd *cobra.Command, args []string) error {
	var src io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening script: %w", err)
		}
		defer f.Close()
		src = f
	}

	sys, err := bringUp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer sys.Close()

	return newScriptRunner(sys, cmd.OutOrStdout()).run(src)
}

// scriptRunner executes allocation scripts against a system.
type scriptRunner struct {
	sys *system
	out io.Writer

	// names maps the names given to alloc commands to the first frame of
	// the allocated run.
	names map[string]mm.Frame
}

func newScriptRunner(sys *system, out io.Writer) *scriptRunner {
	return &scriptRunner{sys: sys, out: out, names: make(map[string]mm.Frame)}
}

func (r *scriptRunner) run(src io.Reader) error {
	scanner := bufio.NewScanner(src)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := r.exec(strings.Fields(line)); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

func (r *scriptRunner) exec(fields []string) error {
	switch op, args := fields[0], fields[1:]; op {
	case "alloc":
		return r.alloc(args)
	case "release":
		return r.release(args)
	case "reserve":
		return r.reserve(args)
	case "expect-free":
		return r.expectFree(args)
	case "map":
		return r.printMap(args)
	case "stats":
		if len(args) != 0 {
			return fmt.Errorf("stats takes no arguments")
		}
		return printStats(r.out, r.sys.stats())
	default:
		return fmt.Errorf("unknown command %q", op)
	}
}

func (r *scriptRunner) alloc(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: alloc <pool> <n> [name]")
	}

	pool, err := r.pool(args[0])
	if err != nil {
		return err
	}

	n, err := parseCount(args[1])
	if err != nil {
		return err
	}

	frame := pool.GetFrames(n)
	if !frame.Valid() {
		fmt.Fprintf(r.out, "alloc %s %d: no frames\n", args[0], n)
		return nil
	}

	if len(args) == 3 {
		r.names[args[2]] = frame
	}
	fmt.Fprintf(r.out, "alloc %s %d: frame %d\n", args[0], n, frame)
	return nil
}

func (r *scriptRunner) release(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: release <frame|name>")
	}

	frame, ok := r.names[args[0]]
	if !ok {
		var err error
		if frame, err = parseFrame(args[0]); err != nil {
			return err
		}
	}

	r.sys.registry.Release(frame)
	fmt.Fprintf(r.out, "release %d\n", frame)
	return nil
}

func (r *scriptRunner) reserve(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: reserve <pool> <frame> [n]")
	}

	pool, err := r.pool(args[0])
	if err != nil {
		return err
	}

	frame, err := parseFrame(args[1])
	if err != nil {
		return err
	}

	n := uint32(1)
	if len(args) == 3 {
		if n, err = parseCount(args[2]); err != nil {
			return err
		}
	}

	if !pool.Contains(frame) || uint64(frame)+uint64(n) > uint64(pool.BaseFrame())+uint64(pool.FrameCount()) {
		return fmt.Errorf("frames [%d, %d) are not part of pool %q", frame, uint64(frame)+uint64(n), args[0])
	}

	pool.MarkInaccessibleRange(frame, n)
	fmt.Fprintf(r.out, "reserve %s %d: %d frame(s)\n", args[0], frame, n)
	return nil
}

func (r *scriptRunner) expectFree(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: expect-free <pool> <n>")
	}

	pool, err := r.pool(args[0])
	if err != nil {
		return err
	}

	n, err := parseCount(args[1])
	if err != nil {
		return err
	}

	if got := pool.FreeFrames(); got != n {
		return fmt.Errorf("pool %q has %d free frames; expected %d", args[0], got, n)
	}
	return nil
}

func (r *scriptRunner) printMap(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: map <pool>")
	}

	pool, err := r.pool(args[0])
	if err != nil {
		return err
	}

	const perLine = 64
	runMap := pool.RunMap()
	for off := 0; off < len(runMap); off += perLine {
		end := off + perLine
		if end > len(runMap) {
			end = len(runMap)
		}
		fmt.Fprintf(r.out, "%10d %s\n", uint64(pool.BaseFrame())+uint64(off), runMap[off:end])
	}
	return nil
}

func (r *scriptRunner) pool(name string) (*pmm.ContFramePool, error) {
	pool, ok := r.sys.pools[name]
	if !ok {
		return nil, fmt.Errorf("unknown pool %q", name)
	}
	return pool, nil
}

func parseFrame(s string) (mm.Frame, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return mm.NoFrame, fmt.Errorf("invalid frame %q", s)
	}
	return mm.Frame(v), nil
}

func parseCount(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid frame count %q", s)
	}
	return uint32(v), nil
}
