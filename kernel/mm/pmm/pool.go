package pmm

import (
	"strings"

	"contframe/kernel"
	"contframe/kernel/kfmt"
	"contframe/kernel/mm"
	"contframe/kernel/sync"
)

var (
	// panicFn is used by tests to intercept invariant violations that
	// would otherwise halt the system. Code calling panicFn must return
	// right after it.
	panicFn = kfmt.Panic

	errPoolEmpty            = &kernel.Error{Module: "pmm", Message: "frame pool must contain at least one frame"}
	errPoolTooLarge         = &kernel.Error{Module: "pmm", Message: "frame pool exceeds the capacity of its state store"}
	errPoolTooSmall         = &kernel.Error{Module: "pmm", Message: "frame pool cannot host its own state store"}
	errInfoFramesMissing    = &kernel.Error{Module: "pmm", Message: "external state store requires at least one info frame"}
	errPoolFrameOutOfRange  = &kernel.Error{Module: "pmm", Message: "frame does not belong to this pool"}
	errReleaseNotRunHead    = &kernel.Error{Module: "pmm", Message: "released frame is not the head of an allocated run"}
	errPoolStoreUnavailable = &kernel.Error{Module: "pmm", Message: "state store frames are outside physical memory"}
)

// PhysicalMemory provides access to the bytes of a physical frame range.
// A pool uses it to reach the frames that hold its state store.
type PhysicalMemory interface {
	FrameSlice(first mm.Frame, count uint32) ([]byte, *kernel.Error)
}

// ContFramePool manages a contiguous range of physical frames and serves
// requests for runs of contiguous frames out of it. The state of every frame
// is kept in a FrameStateStore that lives in physical memory, either inside
// the pool's own range or in frames supplied by the caller.
//
// Frames are allocated through a pool instance but released through the
// Registry the pool was constructed with, since the caller of a release only
// knows the frame number.
type ContFramePool struct {
	lock sync.Spinlock

	// baseFrame is the global number of the first frame in this pool.
	// State index i corresponds to frame (baseFrame + i).
	baseFrame mm.Frame

	// frameCount is the number of frames managed by the pool.
	frameCount uint32

	// freeCount tracks the number of free frames. It is updated on every
	// state transition so that requests larger than the remaining free
	// space are rejected without scanning.
	freeCount uint32

	// infoFrame and infoFrameCount describe the frames that hold states.
	infoFrame      mm.Frame
	infoFrameCount uint32

	states FrameStateStore
}

// NewContFramePool creates a pool for frameCount frames starting at global
// frame baseFrame and registers it with reg.
//
// If infoFrame is mm.NoFrame the pool hosts its state store at the start of
// its own range, using max(1, infoFrameCount) frames which are reserved before
// the pool becomes visible. Otherwise the store is placed in the
// infoFrameCount frames starting at infoFrame; these are reserved only if they
// fall within the pool's range, as frames outside it are owned by whoever
// handed them out. Global frame 0 is always reserved since it doubles as the
// NoFrame sentinel.
//
// Invariant violations (empty or oversized pool, store outside physical
// memory, range overlapping a registered pool) halt the system.
func NewContFramePool(reg *Registry, mem PhysicalMemory, baseFrame mm.Frame, frameCount uint32, infoFrame mm.Frame, infoFrameCount uint32) *ContFramePool {
	if frameCount == 0 {
		panicFn(errPoolEmpty)
		return nil
	}

	selfHosted := infoFrame == mm.NoFrame
	storeFrame, storeFrameCount := infoFrame, infoFrameCount
	if selfHosted {
		storeFrame = baseFrame
		if storeFrameCount == 0 {
			storeFrameCount = 1
		}
	}

	switch {
	case storeFrameCount == 0:
		panicFn(errInfoFramesMissing)
		return nil
	case uint64(frameCount) > storageCapacity(storeFrameCount, mm.FrameSize):
		panicFn(errPoolTooLarge)
		return nil
	case selfHosted && storeFrameCount > frameCount:
		panicFn(errPoolTooSmall)
		return nil
	}

	storage, err := mem.FrameSlice(storeFrame, storeFrameCount)
	if err != nil {
		panicFn(errPoolStoreUnavailable)
		return nil
	}

	pool := &ContFramePool{
		baseFrame:      baseFrame,
		frameCount:     frameCount,
		freeCount:      frameCount,
		infoFrame:      storeFrame,
		infoFrameCount: storeFrameCount,
	}

	// The store cannot fail here: capacity was checked above.
	pool.states, _ = NewFrameStateStore(storage, frameCount)
	pool.states.Reset()

	if pool.contains(storeFrame) {
		storeRunLen := storeFrameCount
		if limit := frameCount - uint32(storeFrame-baseFrame); storeRunLen > limit {
			storeRunLen = limit
		}
		pool.markRun(uint32(storeFrame-baseFrame), storeRunLen)
	}

	if baseFrame == mm.NoFrame && pool.states.get(0) == FrameFree {
		pool.markRun(0, 1)
	}

	// The pool only becomes reachable by release calls once its
	// bookkeeping frames are reserved.
	if err := reg.Register(pool); err != nil {
		panicFn(err)
		return nil
	}

	kfmt.Printf("[pmm] frame pool initialized: frames [%d, %d), %d free, state store at frame %d (%d frames)\n",
		baseFrame, uint64(baseFrame)+uint64(frameCount), pool.freeCount, storeFrame, storeFrameCount)

	return pool
}

// GetFrames reserves n contiguous free frames and returns the global number
// of the first one. It returns mm.NoFrame if n is zero, if fewer than n frames
// are free or if no run of n contiguous free frames exists.
//
// The search is first-fit: the pool is scanned from its first to its last
// frame and the first run that is long enough wins.
func (p *ContFramePool) GetFrames(n uint32) mm.Frame {
	if n == 0 {
		return mm.NoFrame
	}

	p.lock.Acquire()
	defer p.lock.Release()

	if p.freeCount < n {
		return mm.NoFrame
	}

	var runStart, runLen uint32
	for index := uint32(0); index < p.frameCount; index++ {
		if p.states.get(index) != FrameFree {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = index
		}

		if runLen++; runLen == n {
			p.markRun(runStart, n)
			return p.baseFrame + mm.Frame(runStart)
		}
	}

	return mm.NoFrame
}

// MarkInaccessible reserves a single frame without searching. See
// MarkInaccessibleRange.
func (p *ContFramePool) MarkInaccessible(frame mm.Frame) {
	p.MarkInaccessibleRange(frame, 1)
}

// MarkInaccessibleRange reserves the n frames starting at global frame
// baseFrame, e.g. frames holding boot data that cannot be moved. The range is
// recorded as a run so that it could be released like any allocation.
//
// The previous state of the frames is not checked; reserving frames that are
// not free leaves the free count lower than the number of free frames, and it
// bottoms out at zero instead of wrapping. Frames outside the pool halt the
// system.
func (p *ContFramePool) MarkInaccessibleRange(baseFrame mm.Frame, n uint32) {
	if n == 0 {
		return
	}

	if !p.contains(baseFrame) || uint64(baseFrame)+uint64(n) > p.endFrame() {
		panicFn(errPoolFrameOutOfRange)
		return
	}

	p.lock.Acquire()
	defer p.lock.Release()

	p.markRun(uint32(baseFrame-p.baseFrame), n)
}

// release frees the run whose head is frame. The run extends up to, but not
// including, the next frame that is either free or the head of another run,
// or up to the end of the pool.
func (p *ContFramePool) release(frame mm.Frame) {
	if !p.contains(frame) {
		panicFn(errPoolFrameOutOfRange)
		return
	}

	p.lock.Acquire()
	defer p.lock.Release()

	index := uint32(frame - p.baseFrame)
	if p.states.get(index) != FrameHead {
		panicFn(errReleaseNotRunHead)
		return
	}

	p.states.set(index, FrameFree)
	p.freeCount++

	for index++; index < p.frameCount; index++ {
		if state := p.states.get(index); state == FrameFree || state == FrameHead {
			break
		}

		p.states.set(index, FrameFree)
		p.freeCount++
	}
}

// markRun records n frames starting at state index first as an allocated
// run. The caller must hold the pool lock.
func (p *ContFramePool) markRun(first, n uint32) {
	p.states.set(first, FrameHead)
	for index := first + 1; index < first+n; index++ {
		p.states.set(index, FrameAllocated)
	}

	if n > p.freeCount {
		p.freeCount = 0
		return
	}
	p.freeCount -= n
}

func (p *ContFramePool) contains(frame mm.Frame) bool {
	return frame >= p.baseFrame && uint64(frame) < p.endFrame()
}

// endFrame returns the global frame number one past the pool's last frame.
func (p *ContFramePool) endFrame() uint64 {
	return uint64(p.baseFrame) + uint64(p.frameCount)
}

// Contains returns true if frame lies within the pool's range.
func (p *ContFramePool) Contains(frame mm.Frame) bool {
	return p.contains(frame)
}

// BaseFrame returns the global number of the pool's first frame.
func (p *ContFramePool) BaseFrame() mm.Frame {
	return p.baseFrame
}

// FrameCount returns the number of frames managed by the pool.
func (p *ContFramePool) FrameCount() uint32 {
	return p.frameCount
}

// FreeFrames returns the number of frames currently free.
func (p *ContFramePool) FreeFrames() uint32 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.freeCount
}

// InfoFrame returns the global number of the first frame holding the pool's
// state store.
func (p *ContFramePool) InfoFrame() mm.Frame {
	return p.infoFrame
}

// InfoFrameCount returns the number of frames holding the pool's state store.
func (p *ContFramePool) InfoFrameCount() uint32 {
	return p.infoFrameCount
}

// State returns the state of a frame of this pool.
func (p *ContFramePool) State(frame mm.Frame) (FrameState, *kernel.Error) {
	if !p.contains(frame) {
		return FrameFree, errPoolFrameOutOfRange
	}

	p.lock.Acquire()
	defer p.lock.Release()
	return p.states.Get(uint32(frame - p.baseFrame))
}

// RunMap renders the pool's frames as a string with one character per frame:
// '.' for free frames, 'H' for run heads and 'A' for the rest of a run.
func (p *ContFramePool) RunMap() string {
	p.lock.Acquire()
	defer p.lock.Release()

	var sb strings.Builder
	sb.Grow(int(p.frameCount))
	for index := uint32(0); index < p.frameCount; index++ {
		switch p.states.get(index) {
		case FrameHead:
			sb.WriteByte('H')
		case FrameAllocated:
			sb.WriteByte('A')
		default:
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

// NeededInfoFrames returns the number of frames needed to hold the state
// store of a pool with frameCount frames.
func NeededInfoFrames(frameCount uint32) uint32 {
	return RequiredStorageFrames(frameCount, mm.FrameSize)
}
