//go:build linux

package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// File is a namespace store backed by a regular file or block device.
type File struct {
	path string
	size int64

	// mu guards fd against Close. Reads and writes hold it shared.
	mu sync.RWMutex
	fd int

	punchHole bool
	zeroRange bool
}

// OpenFile opens path as a namespace store. A regular file is created when
// missing and grown to size; size 0 keeps the current length.
func OpenFile(path string, size int64) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	cur := st.Size
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		n, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("size of %s: %w", path, err)
		}
		cur = int64(n)
		if size == 0 {
			size = cur
		}
		if size > cur {
			unix.Close(fd)
			return nil, fmt.Errorf("%s: requested %d bytes, device has %d", path, size, cur)
		}
	} else {
		if size == 0 {
			size = cur
		}
		if cur < size {
			if err := unix.Ftruncate(fd, size); err != nil {
				unix.Close(fd)
				return nil, fmt.Errorf("truncate %s: %w", path, err)
			}
		}
	}
	if size == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: empty namespace", path)
	}

	return &File{
		path:      path,
		size:      size,
		fd:        fd,
		punchHole: true,
		zeroRange: true,
	}, nil
}

// ReadAt implements the Store interface
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.fd < 0 {
		return 0, fmt.Errorf("file: %w", ErrClosed)
	}
	if off >= f.size {
		return 0, io.EOF
	}

	var short error
	if avail := f.size - off; int64(len(p)) > avail {
		p = p[:avail]
		short = io.EOF
	}

	done := 0
	for done < len(p) {
		n, err := unix.Pread(f.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, &os.PathError{Op: "pread", Path: f.path, Err: err}
		}
		if n == 0 {
			// Hole past EOF of a sparse file that was shrunk underneath us.
			clear(p[done:])
			break
		}
		done += n
	}
	return len(p), short
}

// WriteAt implements the Store interface
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.fd < 0 {
		return 0, fmt.Errorf("file: %w", ErrClosed)
	}
	if off >= f.size {
		return 0, fmt.Errorf("write beyond end of namespace")
	}

	var short error
	if avail := f.size - off; int64(len(p)) > avail {
		p = p[:avail]
		short = io.ErrShortWrite
	}

	done := 0
	for done < len(p) {
		n, err := unix.Pwrite(f.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, &os.PathError{Op: "pwrite", Path: f.path, Err: err}
		}
		done += n
	}
	return done, short
}

// Size implements the Store interface
func (f *File) Size() int64 { return f.size }

// Flush implements the Store interface
func (f *File) Flush() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.fd < 0 {
		return fmt.Errorf("file: %w", ErrClosed)
	}
	if err := unix.Fdatasync(f.fd); err != nil {
		return &os.PathError{Op: "fdatasync", Path: f.path, Err: err}
	}
	return nil
}

// Close implements the Store interface
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

func (f *File) clamp(offset, length int64) (int64, bool) {
	if offset < 0 || offset >= f.size || length <= 0 {
		return 0, false
	}
	return min(length, f.size-offset), true
}

// Discard implements the DiscardStore interface. The range is punched out of
// the file; filesystems without hole support get zeroes written instead.
func (f *File) Discard(offset, length int64) error {
	length, ok := f.clamp(offset, length)
	if !ok {
		return nil
	}
	return f.fallocate(&f.punchHole, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}

// WriteZeroes implements the WriteZeroesStore interface
func (f *File) WriteZeroes(offset, length int64) error {
	length, ok := f.clamp(offset, length)
	if !ok {
		return nil
	}
	return f.fallocate(&f.zeroRange, unix.FALLOC_FL_ZERO_RANGE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}

// fallocate runs mode over the range and falls back to writing zeroes once
// the filesystem reports the mode unsupported. *supported caches the answer.
func (f *File) fallocate(supported *bool, mode uint32, offset, length int64) error {
	f.mu.Lock()
	if f.fd < 0 {
		f.mu.Unlock()
		return fmt.Errorf("file: %w", ErrClosed)
	}
	var err error
	if *supported {
		err = unix.Fallocate(f.fd, mode, offset, length)
		if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
			*supported = false
			err = nil
		} else if err == nil {
			f.mu.Unlock()
			return nil
		}
	}
	f.mu.Unlock()

	if err != nil {
		return &os.PathError{Op: "fallocate", Path: f.path, Err: err}
	}

	zero := make([]byte, min(length, 1<<20))
	for length > 0 {
		n := min(length, int64(len(zero)))
		if _, err := f.WriteAt(zero[:n], offset); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

// Stats implements the StatStore interface
func (f *File) Stats() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st := map[string]interface{}{
		"type": "file",
		"path": f.path,
		"size": f.size,
	}
	var s unix.Stat_t
	if f.fd >= 0 && unix.Fstat(f.fd, &s) == nil {
		st["allocated"] = s.Blocks * 512
	}
	return st
}

// Compile-time interface checks
var (
	_ interfaces.Store            = (*File)(nil)
	_ interfaces.DiscardStore     = (*File)(nil)
	_ interfaces.WriteZeroesStore = (*File)(nil)
	_ interfaces.StatStore        = (*File)(nil)
)
