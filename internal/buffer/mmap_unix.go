//go:build unix

package buffer

import (
	"golang.org/x/sys/unix"
)

// mapRegion maps an anonymous, page-aligned region. Page alignment satisfies
// the DMA alignment of every logical block size up to the page size.
func mapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapRegion(region []byte) error {
	return unix.Munmap(region)
}
