package mm

const (
	// FrameShift is equal to log2(FrameSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right
	// by FrameShift) and vice-versa.
	FrameShift = uintptr(12)

	// FrameSize defines the size of a physical frame in bytes.
	FrameSize = uintptr(1 << FrameShift)
)
