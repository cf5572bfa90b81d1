package pmm

import "contframe/kernel"

// FrameState describes what a pool knows about a single frame.
type FrameState uint8

// The frame states. Their values double as the 2-bit encoding stored in the
// state bitmap; the fourth encoding (0b11) is never written.
const (
	// FrameFree marks a frame that is available for allocation.
	FrameFree FrameState = iota

	// FrameAllocated marks a frame that belongs to an allocated run but
	// is not its first frame.
	FrameAllocated

	// FrameHead marks the first frame of an allocated run. Single-frame
	// allocations consist of a lone FrameHead.
	FrameHead
)

const (
	stateBits     = 2
	statesPerByte = 8 / stateBits
	stateMask     = byte(1<<stateBits - 1)
)

var errStateIndexOutOfRange = &kernel.Error{Module: "pmm", Message: "frame state index out of range"}

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameAllocated:
		return "allocated"
	case FrameHead:
		return "head"
	default:
		return "invalid"
	}
}

// FrameStateStore keeps one FrameState per frame packed into 2 bits, four
// frames per byte. Frame i lives in byte i/4 at bit offset 2*(i%4). The
// backing bytes are supplied by the caller and typically alias the frames
// that a pool reserves for its own bookkeeping.
type FrameStateStore struct {
	bits       []byte
	frameCount uint32
}

// NewFrameStateStore returns a store for frameCount frames backed by
// storage. The storage is used as-is; call Reset to mark every frame free.
// It returns an error if storage cannot hold frameCount states.
func NewFrameStateStore(storage []byte, frameCount uint32) (FrameStateStore, *kernel.Error) {
	if uint64(len(storage))*statesPerByte < uint64(frameCount) {
		return FrameStateStore{}, errStateIndexOutOfRange
	}

	return FrameStateStore{
		bits:       storage[:(frameCount+statesPerByte-1)/statesPerByte],
		frameCount: frameCount,
	}, nil
}

// Len returns the number of frames tracked by the store.
func (s *FrameStateStore) Len() uint32 {
	return s.frameCount
}

// Get returns the state of the frame at index.
func (s *FrameStateStore) Get(index uint32) (FrameState, *kernel.Error) {
	if index >= s.frameCount {
		return FrameFree, errStateIndexOutOfRange
	}
	return s.get(index), nil
}

// Set overwrites the state of the frame at index.
func (s *FrameStateStore) Set(index uint32, state FrameState) *kernel.Error {
	if index >= s.frameCount {
		return errStateIndexOutOfRange
	}
	s.set(index, state)
	return nil
}

// Reset marks every frame as free.
func (s *FrameStateStore) Reset() {
	for i := range s.bits {
		s.bits[i] = 0
	}
}

func (s *FrameStateStore) get(index uint32) FrameState {
	shift := (index % statesPerByte) * stateBits
	return FrameState((s.bits[index/statesPerByte] >> shift) & stateMask)
}

func (s *FrameStateStore) set(index uint32, state FrameState) {
	shift := (index % statesPerByte) * stateBits
	b := &s.bits[index/statesPerByte]
	*b = (*b &^ (stateMask << shift)) | (byte(state)&stateMask)<<shift
}

// RequiredStorageFrames returns the number of whole frames of frameSize
// bytes needed to hold the states of frameCount frames.
func RequiredStorageFrames(frameCount uint32, frameSize uintptr) uint32 {
	perFrame := uint64(frameSize) * statesPerByte
	return uint32((uint64(frameCount) + perFrame - 1) / perFrame)
}

// storageCapacity returns the number of frame states that fit into
// storageFrames frames of frameSize bytes.
func storageCapacity(storageFrames uint32, frameSize uintptr) uint64 {
	return uint64(storageFrames) * uint64(frameSize) * statesPerByte
}
