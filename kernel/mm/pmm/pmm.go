// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"contframe/kernel"
	"contframe/kernel/hal/memmap"
	"contframe/kernel/kfmt"
	"contframe/kernel/mm"
)

var (
	errPoolInitFailed        = &kernel.Error{Module: "pmm", Message: "frame pool initialization failed"}
	errUnknownInfoPool       = &kernel.Error{Module: "pmm", Message: "info frames requested from an unknown pool"}
	errInfoFramesUnavailable = &kernel.Error{Module: "pmm", Message: "not enough contiguous frames for a pool state store"}
	errInfoFramesOwned       = &kernel.Error{Module: "pmm", Message: "pool state store lies in frames of another pool"}
	errReservedRegionUnowned = &kernel.Error{Module: "pmm", Message: "reserved region is not owned by any pool"}
	errUnknownDefaultPool    = &kernel.Error{Module: "pmm", Message: "default pool is not defined"}
	errOutOfMemory           = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// Init brings up one frame pool per region of layout, in layout order, backed
// by mem. Pools whose region names an infoFrom pool get their state store
// frames allocated from that pool. Reserved regions are then marked
// inaccessible in their owning pools.
//
// On success the mm frame allocator hooks are pointed at the layout's default
// pool and the returned registry, and the pools are returned by name.
func Init(layout *memmap.Layout, mem PhysicalMemory) (*Registry, map[string]*ContFramePool, *kernel.Error) {
	var (
		err   *kernel.Error
		reg   = NewRegistry()
		pools = make(map[string]*ContFramePool, len(layout.Pools))
	)

	layout.VisitPools(func(region *memmap.PoolRegion) bool {
		infoFrame, infoFrameCount := region.InfoFrame, region.InfoFrameCount

		if region.InfoFrom == "" && infoFrame != mm.NoFrame && storeOverlapsOtherPool(layout, region) {
			err = errInfoFramesOwned
			return false
		}

		if region.InfoFrom != "" {
			src := pools[region.InfoFrom]
			if src == nil {
				err = errUnknownInfoPool
				return false
			}

			if infoFrameCount == 0 {
				infoFrameCount = NeededInfoFrames(region.FrameCount)
			}

			if infoFrame = src.GetFrames(infoFrameCount); !infoFrame.Valid() {
				err = errInfoFramesUnavailable
				return false
			}
		}

		pool := NewContFramePool(reg, mem, region.BaseFrame, region.FrameCount, infoFrame, infoFrameCount)
		if pool == nil {
			err = errPoolInitFailed
			return false
		}

		kfmt.Printf("[pmm] pool %q: %s at frame %d\n", region.Name, mm.FramesToSize(region.FrameCount), region.BaseFrame)
		pools[region.Name] = pool
		return true
	})

	if err != nil {
		return nil, nil, err
	}

	for _, r := range layout.Reserved {
		owner := reg.FindOwner(r.BaseFrame)
		if owner == nil {
			return nil, nil, errReservedRegionUnowned
		}

		kfmt.Printf("[pmm] reserving frames [%d, %d): %s\n", r.BaseFrame, uint64(r.BaseFrame)+uint64(r.FrameCount), r.Reason)
		owner.MarkInaccessibleRange(r.BaseFrame, r.FrameCount)
	}

	defaultPool := pools[layout.DefaultPool]
	if layout.DefaultPool == "" && len(layout.Pools) != 0 {
		defaultPool = pools[layout.Pools[0].Name]
	}
	if defaultPool == nil {
		return nil, nil, errUnknownDefaultPool
	}

	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		if frame := defaultPool.GetFrames(1); frame.Valid() {
			return frame, nil
		}
		return mm.NoFrame, errOutOfMemory
	})
	mm.SetFrameReleaser(func(frame mm.Frame) *kernel.Error {
		reg.Release(frame)
		return nil
	})

	return reg, pools, nil
}

// storeOverlapsOtherPool returns true if the explicit state store of region
// shares frames with any other region of layout. Such frames are neither
// reserved nor safe to clear.
func storeOverlapsOtherPool(layout *memmap.Layout, region *memmap.PoolRegion) bool {
	first, end := uint64(region.InfoFrame), uint64(region.InfoFrame)+uint64(region.InfoFrameCount)
	for i := range layout.Pools {
		other := &layout.Pools[i]
		if other != region && first < other.EndFrame() && uint64(other.BaseFrame) < end {
			return true
		}
	}
	return false
}
