//go:build unix

package hostmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenFile maps a shared file as host memory. A host simulator in another
// process can map the same file to act as the host. The file is created and
// sized when missing.
func OpenFile(path string, cfg Config) (*Memory, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("host memory %s: invalid size %d", path, cfg.Size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open host memory: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat host memory: %w", err)
	}
	if st.Size() < int64(cfg.Size) {
		if err := f.Truncate(int64(cfg.Size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size host memory: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, cfg.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap host memory: %w", err)
	}

	m := &Memory{
		base:          cfg.Base,
		data:          data,
		maxWindows:    cfg.MaxWindows,
		maxWindowSize: cfg.MaxWindowSize,
		fd:            int(f.Fd()),
	}
	m.release = func() error {
		err := unix.Munmap(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return m, nil
}
