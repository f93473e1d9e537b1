//go:build unix

package ctrl

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenRegisterFile maps a shared file as the register block so another
// process (the host side of the link) can drive it.
func OpenRegisterFile(path string, size int) (*Registers, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open register file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("size register file: %w", err)
	}
	bar, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap register file: %w", err)
	}
	return &Registers{bar: bar, release: func() error { return unix.Munmap(bar) }}, nil
}
