package pmm

import (
	"contframe/kernel"
	"contframe/kernel/mm"
	"contframe/kernel/sync"
)

var (
	errNoOwningPool   = &kernel.Error{Module: "pmm", Message: "no frame pool owns the released frame"}
	errPoolOverlap    = &kernel.Error{Module: "pmm", Message: "frame pool overlaps a registered pool"}
	errPoolRegistered = &kernel.Error{Module: "pmm", Message: "frame pool is already registered"}
)

// Registry tracks every frame pool in the system so that frames can be
// released by number alone. Pools are kept in registration order and are
// never removed.
type Registry struct {
	lock  sync.Spinlock
	pools []*ContFramePool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends pool to the registry. Pools must cover disjoint frame
// ranges and can only be registered once.
func (r *Registry) Register(pool *ContFramePool) *kernel.Error {
	r.lock.Acquire()
	defer r.lock.Release()

	for _, other := range r.pools {
		if other == pool {
			return errPoolRegistered
		}

		if uint64(pool.baseFrame) < other.endFrame() && uint64(other.baseFrame) < pool.endFrame() {
			return errPoolOverlap
		}
	}

	r.pools = append(r.pools, pool)
	return nil
}

// FindOwner returns the pool whose range contains frame or nil if no
// registered pool does.
func (r *Registry) FindOwner(frame mm.Frame) *ContFramePool {
	r.lock.Acquire()
	defer r.lock.Release()

	for _, pool := range r.pools {
		if pool.contains(frame) {
			return pool
		}
	}

	return nil
}

// Release frees the run of frames whose first frame is firstFrame, in
// whichever pool owns it. Releasing a frame that no pool owns or that is not
// the head of an allocated run halts the system.
//
// The registry lock is dropped before the owning pool is locked.
func (r *Registry) Release(firstFrame mm.Frame) {
	owner := r.FindOwner(firstFrame)
	if owner == nil {
		panicFn(errNoOwningPool)
		return
	}

	owner.release(firstFrame)
}

// Pools returns the registered pools in registration order.
func (r *Registry) Pools() []*ContFramePool {
	r.lock.Acquire()
	defer r.lock.Release()

	pools := make([]*ContFramePool, len(r.pools))
	copy(pools, r.pools)
	return pools
}

// FreeFrames returns the number of free frames across all pools.
func (r *Registry) FreeFrames() uint64 {
	var total uint64
	for _, pool := range r.Pools() {
		total += uint64(pool.FreeFrames())
	}
	return total
}
