//go:build unix

package mapped

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapRegion(f *os.File, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
}

func unmapRegion(b []byte) error {
	return unix.Munmap(b)
}

func flushRegion(_ *os.File, b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}
