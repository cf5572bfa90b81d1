// Package mm defines the physical frame type shared by the memory
// management packages and the hooks through which other kernel code obtains
// frames.
package mm

import "contframe/kernel"

// Frame describes a global physical frame number.
type Frame uintptr

const (
	// NoFrame is returned by frame allocators when they cannot satisfy a
	// request. Frame 0 of the physical address space is never handed out
	// so that it can serve as this sentinel.
	NoFrame = Frame(0)
)

// Valid returns true if this is not the NoFrame sentinel.
func (f Frame) Valid() bool {
	return f != NoFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << FrameShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both frame-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(FrameSize - 1)) >> FrameShift)
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameReleaser points to a function registered using
	// SetFrameReleaser.
	frameReleaser FrameReleaserFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
	errNoFrameReleaser  = &kernel.Error{Module: "mm", Message: "no frame releaser registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a frame obtained through
// AllocFrame.
type FrameReleaserFn func(Frame) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used
// when single physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReleaser registers the function that FreeFrame delegates to.
func SetFrameReleaser(releaseFn FrameReleaserFn) { frameReleaser = releaseFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return NoFrame, errNoFrameAllocator
	}
	return frameAllocator()
}

// FreeFrame returns a frame obtained via AllocFrame.
func FreeFrame(f Frame) *kernel.Error {
	if frameReleaser == nil {
		return errNoFrameReleaser
	}
	return frameReleaser(f)
}
