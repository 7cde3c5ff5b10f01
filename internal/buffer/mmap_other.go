//go:build !unix

package buffer

// mapRegion falls back to heap memory where anonymous mmap is unavailable.
func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion([]byte) error { return nil }
