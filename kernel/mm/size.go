package mm

import "strconv"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// FramesToSize returns the number of bytes covered by count frames.
func FramesToSize(count uint32) Size {
	return Size(count) * Size(FrameSize)
}

// String renders the size using the largest unit that divides it evenly.
func (s Size) String() string {
	switch {
	case s >= Gb && s%Gb == 0:
		return strconv.FormatUint(uint64(s/Gb), 10) + "G"
	case s >= Mb && s%Mb == 0:
		return strconv.FormatUint(uint64(s/Mb), 10) + "M"
	case s >= Kb && s%Kb == 0:
		return strconv.FormatUint(uint64(s/Kb), 10) + "K"
	default:
		return strconv.FormatUint(uint64(s), 10) + "B"
	}
}
