//go:build unix

package mem

import "golang.org/x/sys/unix"

func sysMap(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// MADV_DONTNEED drops residency immediately and refaults zero pages on next
// touch, which is exactly the contract the recycling path relies on: a
// decommitted slab popped from the cache starts with an all-zero page.
func sysDecommit(b []byte) error {
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func sysUnmap(b []byte) error { return unix.Munmap(b) }
