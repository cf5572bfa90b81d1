package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"contframe/kernel/hal/memmap"
	"contframe/kernel/kfmt"
)

// execCmd runs framectl with args after resetting the global flags.
func execCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv(memmap.LayoutFileEnv, "")

	layoutPath, verbose, jsonOut, dumpLayout = "", false, false, false

	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	defer kfmt.SetOutputSink(nil)

	err := rootCmd.Execute()
	return out.String(), err
}

// tableRow returns the fields of the table row describing pool.
func tableRow(t *testing.T, out, pool string) []string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if fields := strings.Fields(line); len(fields) != 0 && fields[0] == pool {
			return fields
		}
	}
	t.Fatalf("no row for pool %q in output:\n%s", pool, out)
	return nil
}

func TestLayoutCommand(t *testing.T) {
	t.Run("default layout", func(t *testing.T) {
		out, err := execCmd(t, "", "layout")
		require.NoError(t, err)

		require.Equal(t, []string{"kernel", "512", "512", "510", "512", "1", "2M"}, tableRow(t, out, "kernel"))
		require.Equal(t, []string{"process", "1024", "7168", "6912", "513", "1", "28M"}, tableRow(t, out, "process"))
		require.Contains(t, out, `7422 of 8192 frames free, default pool "kernel"`)
	})

	t.Run("layout file", func(t *testing.T) {
		out, err := execCmd(t, "", "layout", "--layout", "testdata/small.yaml")
		require.NoError(t, err)

		require.Equal(t, []string{"low", "0", "32", "30", "0", "1", "128K"}, tableRow(t, out, "low"))
		require.Equal(t, []string{"high", "32", "32", "28", "1", "1", "128K"}, tableRow(t, out, "high"))
	})

	t.Run("json", func(t *testing.T) {
		out, err := execCmd(t, "", "layout", "--json")
		require.NoError(t, err)

		var stats []poolStats
		require.NoError(t, json.Unmarshal([]byte(out), &stats))
		require.Len(t, stats, 2)
		require.Equal(t, poolStats{
			Name:           "process",
			BaseFrame:      1024,
			FrameCount:     7168,
			FreeFrames:     6912,
			InfoFrame:      513,
			InfoFrameCount: 1,
			Size:           "28M",
		}, stats[1])
	})

	t.Run("dump", func(t *testing.T) {
		out, err := execCmd(t, "", "layout", "--dump", "--layout", "testdata/small.yaml")
		require.NoError(t, err)

		l, err := memmap.Decode(strings.NewReader(out))
		require.NoError(t, err)
		require.Equal(t, uint32(64), l.TotalFrames)
		require.Equal(t, "high", l.DefaultPool)
		require.Len(t, l.Pools, 2)
	})

	t.Run("missing layout file", func(t *testing.T) {
		_, err := execCmd(t, "", "layout", "--layout", "testdata/missing.yaml")
		require.Error(t, err)
	})
}

func TestRunCommand(t *testing.T) {
	t.Run("script file", func(t *testing.T) {
		out, err := execCmd(t, "", "run", "testdata/basic.script")
		require.NoError(t, err)

		exp := strings.Join([]string{
			"alloc kernel 3: frame 514",
			"alloc process 2: frame 1024",
			"release 514",
			"alloc kernel 1: frame 514",
			"reserve process 2048: 4 frame(s)",
		}, "\n") + "\n"
		require.Equal(t, exp, out)
	})

	t.Run("stdin", func(t *testing.T) {
		script := "alloc high 4 a\nalloc high 4 b\nrelease a\nmap high\n"
		out, err := execCmd(t, script, "run", "-", "--layout", "testdata/small.yaml")
		require.NoError(t, err)

		require.Contains(t, out, "alloc high 4: frame 32\n")
		require.Contains(t, out, "alloc high 4: frame 36\n")
		require.Contains(t, out, "        32 ....HAAAHAAA....................\n")
	})

	t.Run("failing expectation", func(t *testing.T) {
		_, err := execCmd(t, "\nexpect-free kernel 1\n", "run", "-")
		require.EqualError(t, err, `line 2: pool "kernel" has 510 free frames; expected 1`)
	})
}

func TestScriptRunnerErrors(t *testing.T) {
	specs := []struct {
		line   string
		expErr string
	}{
		{"frobnicate", `unknown command "frobnicate"`},
		{"alloc kernel", "usage: alloc <pool> <n> [name]"},
		{"alloc nowhere 1", `unknown pool "nowhere"`},
		{"alloc kernel many", `invalid frame count "many"`},
		{"release", "usage: release <frame|name>"},
		{"release buf", `invalid frame "buf"`},
		{"reserve kernel 0", `frames [0, 1) are not part of pool "kernel"`},
		{"reserve kernel 1020 8", `frames [1020, 1028) are not part of pool "kernel"`},
		{"expect-free kernel", "usage: expect-free <pool> <n>"},
		{"map", "usage: map <pool>"},
		{"stats now", "stats takes no arguments"},
	}

	t.Setenv(memmap.LayoutFileEnv, "")
	layoutPath, verbose, jsonOut = "", false, false
	defer kfmt.SetOutputSink(nil)

	var logOut bytes.Buffer
	sys, err := bringUp(&logOut)
	require.NoError(t, err)
	defer sys.Close()

	for specIndex, spec := range specs {
		err := newScriptRunner(sys, &bytes.Buffer{}).run(strings.NewReader(spec.line))
		require.EqualError(t, err, "line 1: "+spec.expErr, "[spec %d]", specIndex)
	}
}

func TestInfoFramesCommand(t *testing.T) {
	out, err := execCmd(t, "", "info-frames", "16385")
	require.NoError(t, err)
	require.Equal(t, "16385 frames (65540K) need 2 info frame(s) (8K)\n", out)

	out, err = execCmd(t, "", "info-frames", "--json", "7168")
	require.NoError(t, err)

	var res infoFramesResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, infoFramesResult{Frames: 7168, InfoFrames: 1, PoolSize: "28M", StoreSize: "4K"}, res)

	_, err = execCmd(t, "", "info-frames", "lots")
	require.Error(t, err)
}

func TestBringUpLog(t *testing.T) {
	t.Setenv(memmap.LayoutFileEnv, "")
	layoutPath, jsonOut = "", false
	defer func() { verbose = false }()
	defer kfmt.SetOutputSink(nil)

	for _, v := range []bool{false, true} {
		verbose = v

		var logOut bytes.Buffer
		sys, err := bringUp(&logOut)
		require.NoError(t, err)
		require.NoError(t, sys.Close())

		require.Equal(t, v, strings.Contains(logOut.String(), "[kernel] [pmm] frame pool initialized"), "verbose=%t, log:\n%s", v, logOut.String())
	}
}
