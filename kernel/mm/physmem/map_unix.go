//go:build unix

package physmem

import (
	"errors"

	"golang.org/x/sys/unix"
)

// mapRegion backs the address space with an anonymous private mapping so
// that untouched frames cost no resident memory.
func mapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapRegion(data []byte) error {
	err := unix.Munmap(data)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}
