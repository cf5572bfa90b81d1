// Package physmem simulates the machine's physical address space. The whole
// space is a single byte region indexed by physical address; frame ranges
// are handed out as slices so that allocator bookkeeping can live at a real
// physical location instead of on the Go heap.
package physmem

import (
	"fmt"

	"contframe/kernel"
	"contframe/kernel/mm"
)

var errFrameRangeOutOfBounds = &kernel.Error{Module: "physmem", Message: "frame range outside physical memory"}

// Memory is a simulated physical address space of a fixed number of frames.
type Memory struct {
	data       []byte
	frameCount uint32
}

// New reserves backing storage for frameCount frames. All bytes start
// zeroed.
func New(frameCount uint32) (*Memory, error) {
	if frameCount == 0 {
		return nil, fmt.Errorf("physmem: frame count must be positive")
	}

	size := uint64(frameCount) * uint64(mm.FrameSize)
	if size > uint64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("physmem: %d frames exceed the addressable size", frameCount)
	}

	data, err := mapRegion(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: mapping %s: %w", mm.Size(size), err)
	}

	return &Memory{data: data, frameCount: frameCount}, nil
}

// FrameCount returns the number of frames in the address space.
func (m *Memory) FrameCount() uint32 {
	return m.frameCount
}

// Size returns the size of the address space in bytes.
func (m *Memory) Size() mm.Size {
	return mm.FramesToSize(m.frameCount)
}

// FrameSlice returns the bytes backing count frames starting at first. The
// returned slice aliases the physical memory; writes through it are visible
// to every other view of the same frames.
func (m *Memory) FrameSlice(first mm.Frame, count uint32) ([]byte, *kernel.Error) {
	if count == 0 || uint64(first)+uint64(count) > uint64(m.frameCount) {
		return nil, errFrameRangeOutOfBounds
	}

	start := first.Address()
	end := start + uintptr(count)*mm.FrameSize
	return m.data[start:end:end], nil
}

// Close releases the backing storage. The Memory must not be used
// afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}

	err := unmapRegion(m.data)
	m.data = nil
	m.frameCount = 0
	return err
}
