package pmm

import (
	"strings"
	"testing"

	"contframe/kernel"
	"contframe/kernel/hal/memmap"
	"contframe/kernel/mm"
	"contframe/kernel/mm/physmem"
)

func resetFrameAllocatorHooks(t *testing.T) {
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		mm.SetFrameReleaser(nil)
	})
}

// checkFreeCount fails the test unless the free count of each pool matches
// the number of free frames in its run map.
func checkFreeCount(t *testing.T, pools map[string]*ContFramePool) {
	t.Helper()

	for name, pool := range pools {
		if exp, got := uint32(strings.Count(pool.RunMap(), ".")), pool.FreeFrames(); got != exp {
			t.Fatalf("pool %q: expected free count to match the %d free frames in its run map; got %d", name, exp, got)
		}
	}
}

func newPhysicalMemory(t *testing.T, frameCount uint32) *physmem.Memory {
	t.Helper()

	mem, err := physmem.New(frameCount)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem
}

func TestInitDefaultLayout(t *testing.T) {
	errs := interceptPanics(t)
	resetFrameAllocatorHooks(t)

	layout := memmap.Default()
	if err := layout.Validate(); err != nil {
		t.Fatal(err)
	}

	reg, pools, kerr := Init(layout, newPhysicalMemory(t, layout.TotalFrames))
	if kerr != nil {
		t.Fatal(kerr)
	}
	expectNoPanic(t, errs)
	checkFreeCount(t, pools)

	if got := len(reg.Pools()); got != 2 {
		t.Fatalf("expected 2 registered pools; got %d", got)
	}

	kernelPool, processPool := pools["kernel"], pools["process"]
	if kernelPool == nil || processPool == nil {
		t.Fatalf("expected kernel and process pools; got %v", pools)
	}

	// The kernel pool hosts its own store at frame 512 and gives up frame
	// 513 for the process pool's store.
	if got := kernelPool.InfoFrame(); got != 512 {
		t.Fatalf("expected kernel pool store at frame 512; got %d", got)
	}
	if got, gotCount := processPool.InfoFrame(), processPool.InfoFrameCount(); got != 513 || gotCount != 1 {
		t.Fatalf("expected process pool store at frame 513 (1 frame); got %d (%d frames)", got, gotCount)
	}
	if got := kernelPool.FreeFrames(); got != 510 {
		t.Fatalf("expected 510 free kernel frames; got %d", got)
	}

	// The 15M hole is reserved in the process pool.
	if exp, got := uint32(7168-256), processPool.FreeFrames(); got != exp {
		t.Fatalf("expected %d free process frames; got %d", exp, got)
	}
	for frame, exp := range map[mm.Frame]FrameState{3840: FrameHead, 4095: FrameAllocated, 4096: FrameFree} {
		if got, kerr := processPool.State(frame); kerr != nil || got != exp {
			t.Fatalf("expected frame %d to be %s; got %s (%v)", frame, exp, got, kerr)
		}
	}

	// A run that would cross the hole is placed after it.
	if got := processPool.GetFrames(2816); got != 1024 {
		t.Fatalf("expected run of 2816 frames at 1024; got %d", got)
	}
	if got := processPool.GetFrames(1); got != 4096 {
		t.Fatalf("expected next frame after the hole at 4096; got %d", got)
	}
	checkFreeCount(t, pools)

	t.Run("frame allocator hooks", func(t *testing.T) {
		frame, kerr := mm.AllocFrame()
		if kerr != nil || frame != 514 {
			t.Fatalf("expected AllocFrame to return frame 514; got %d (%v)", frame, kerr)
		}
		if owner := reg.FindOwner(frame); owner != kernelPool {
			t.Fatalf("expected frame %d to be owned by the kernel pool", frame)
		}
		if got := kernelPool.FreeFrames(); got != 509 {
			t.Fatalf("expected 509 free kernel frames; got %d", got)
		}

		if kerr := mm.FreeFrame(frame); kerr != nil {
			t.Fatal(kerr)
		}
		if got := kernelPool.FreeFrames(); got != 510 {
			t.Fatalf("expected 510 free kernel frames; got %d", got)
		}
		checkFreeCount(t, pools)
	})

	t.Run("frame allocator out of memory", func(t *testing.T) {
		rest := kernelPool.GetFrames(kernelPool.FreeFrames())
		if !rest.Valid() {
			t.Fatal("expected to allocate the remaining kernel frames")
		}

		if _, kerr := mm.AllocFrame(); kerr != errOutOfMemory {
			t.Fatalf("expected error %v; got %v", errOutOfMemory, kerr)
		}

		reg.Release(rest)
		expectNoPanic(t, errs)
		checkFreeCount(t, pools)
	})
}

func TestInitExplicitInfoFrames(t *testing.T) {
	interceptPanics(t)
	resetFrameAllocatorHooks(t)

	layout := &memmap.Layout{
		Version:     "1.0.0",
		TotalFrames: 64,
		Pools: []memmap.PoolRegion{
			{Name: "dma", BaseFrame: 8, FrameCount: 8, InfoFrame: 2, InfoFrameCount: 1},
			{Name: "main", BaseFrame: 16, FrameCount: 48, InfoFrame: 20, InfoFrameCount: 1},
		},
	}
	if err := layout.Validate(); err != nil {
		t.Fatal(err)
	}

	_, pools, kerr := Init(layout, newPhysicalMemory(t, layout.TotalFrames))
	if kerr != nil {
		t.Fatal(kerr)
	}
	checkFreeCount(t, pools)

	if got := pools["dma"].FreeFrames(); got != 8 {
		t.Fatalf("expected 8 free dma frames; got %d", got)
	}
	if got := pools["main"].FreeFrames(); got != 47 {
		t.Fatalf("expected 47 free main frames; got %d", got)
	}

	// the default pool is the first one when none is named
	if frame, kerr := mm.AllocFrame(); kerr != nil || frame != 8 {
		t.Fatalf("expected AllocFrame to return frame 8; got %d (%v)", frame, kerr)
	}
}

func TestInitKeepsOtherPoolStores(t *testing.T) {
	errs := interceptPanics(t)
	resetFrameAllocatorHooks(t)

	// b's store is placed in frames allocated from a, so a's own store
	// at frame 16 is left alone.
	layout := &memmap.Layout{
		Version:     "1.0.0",
		TotalFrames: 64,
		Pools: []memmap.PoolRegion{
			{Name: "a", BaseFrame: 16, FrameCount: 16},
			{Name: "b", BaseFrame: 32, FrameCount: 16, InfoFrom: "a"},
		},
	}
	if err := layout.Validate(); err != nil {
		t.Fatal(err)
	}

	_, pools, kerr := Init(layout, newPhysicalMemory(t, layout.TotalFrames))
	if kerr != nil {
		t.Fatal(kerr)
	}
	expectNoPanic(t, errs)
	checkFreeCount(t, pools)

	if exp, got := "HH"+strings.Repeat(".", 14), pools["a"].RunMap(); got != exp {
		t.Fatalf("expected run map %q; got %q", exp, got)
	}

	if got := pools["b"].GetFrames(16); got != 32 {
		t.Fatalf("expected b to hand out all of its frames starting at 32; got %d", got)
	}
	checkFreeCount(t, pools)
	if exp, got := "HH"+strings.Repeat(".", 14), pools["a"].RunMap(); got != exp {
		t.Fatalf("expected run map of a to stay %q; got %q", exp, got)
	}
}

func TestInitErrors(t *testing.T) {
	errs := interceptPanics(t)
	resetFrameAllocatorHooks(t)

	specs := []struct {
		descr  string
		layout *memmap.Layout
		expErr *kernel.Error
	}{
		{
			"unknown info pool",
			&memmap.Layout{Pools: []memmap.PoolRegion{
				{Name: "a", BaseFrame: 1, FrameCount: 8, InfoFrom: "b"},
			}},
			errUnknownInfoPool,
		},
		{
			"info pool exhausted",
			&memmap.Layout{Pools: []memmap.PoolRegion{
				{Name: "a", BaseFrame: 1, FrameCount: 1},
				{Name: "b", BaseFrame: 2, FrameCount: 8, InfoFrom: "a"},
			}},
			errInfoFramesUnavailable,
		},
		{
			"store in the frames of an earlier pool",
			&memmap.Layout{Pools: []memmap.PoolRegion{
				{Name: "a", BaseFrame: 16, FrameCount: 8},
				{Name: "b", BaseFrame: 24, FrameCount: 8, InfoFrame: 16, InfoFrameCount: 1},
			}},
			errInfoFramesOwned,
		},
		{
			"store in the frames of a later pool",
			&memmap.Layout{Pools: []memmap.PoolRegion{
				{Name: "a", BaseFrame: 8, FrameCount: 8, InfoFrame: 20, InfoFrameCount: 1},
				{Name: "b", BaseFrame: 16, FrameCount: 8},
			}},
			errInfoFramesOwned,
		},
		{
			"pool construction failure",
			&memmap.Layout{Pools: []memmap.PoolRegion{
				{Name: "a", BaseFrame: 1, FrameCount: 8},
				{Name: "b", BaseFrame: 4, FrameCount: 8},
			}},
			errPoolInitFailed,
		},
		{
			"reserved region without owner",
			&memmap.Layout{
				Pools:    []memmap.PoolRegion{{Name: "a", BaseFrame: 1, FrameCount: 8}},
				Reserved: []memmap.ReservedRegion{{BaseFrame: 20, FrameCount: 1}},
			},
			errReservedRegionUnowned,
		},
		{
			"unknown default pool",
			&memmap.Layout{
				DefaultPool: "z",
				Pools:       []memmap.PoolRegion{{Name: "a", BaseFrame: 1, FrameCount: 8}},
			},
			errUnknownDefaultPool,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			*errs = (*errs)[:0]
			reg, pools, kerr := Init(spec.layout, newHeapMemory(32))
			if kerr != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, kerr)
			}
			if reg != nil || pools != nil {
				t.Fatalf("expected no registry or pools on error; got %v, %v", reg, pools)
			}
		})
	}
}
