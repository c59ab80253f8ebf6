//go:build !windows

package pbd

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const mmapSupported = true

// mapFile maps length bytes of f read-write and shared, starting at
// offset 0.
func mapFile(f *os.File, length int) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return b, nil
}

func unmapFile(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return errors.Wrap(err, "munmap")
	}
	return nil
}

func syncMap(b []byte) error {
	if err := unix.Msync(b, unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "msync")
	}
	return nil
}

// allocNative allocates n bytes in an anonymous private map, outside the
// Go heap. The returned func releases the allocation.
func allocNative(n int) ([]byte, func(), error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mmap anon")
	}
	return b, func() { _ = unix.Munmap(b) }, nil
}
