//go:build !unix

package physmem

// mapRegion falls back to a heap allocation when mmap is not available.
func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion(_ []byte) error {
	return nil
}
