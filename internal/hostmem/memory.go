// Package hostmem emulates the host side of the PCI link: a flat range of host
// PCI address space that the endpoint maps through a limited number of
// windows.
package hostmem

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// Config describes an emulated host address range.
type Config struct {
	// Base is the PCI address of the first byte.
	Base uint64
	// Size is the length of the range in bytes.
	Size int
	// MaxWindows bounds concurrently mapped windows. Zero means unlimited.
	MaxWindows int
	// MaxWindowSize caps a single window; larger maps return a short window.
	// Zero means unlimited.
	MaxWindowSize int
}

// Memory is host PCI address space backed by a byte slice. The slice is
// either heap memory or a shared mapping created by OpenFile.
type Memory struct {
	mu   sync.RWMutex
	base uint64
	data []byte

	maxWindows    int
	maxWindowSize int

	wmu    sync.Mutex
	mapped int

	release func() error
	fd      int
}

// New allocates heap-backed host memory.
func New(cfg Config) *Memory {
	return &Memory{
		base:          cfg.Base,
		data:          make([]byte, cfg.Size),
		maxWindows:    cfg.MaxWindows,
		maxWindowSize: cfg.MaxWindowSize,
		fd:            -1,
	}
}

// Base returns the first PCI address of the range.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the length of the range.
func (m *Memory) Size() int { return len(m.data) }

// Fd returns the descriptor backing a file mapping, or -1 for heap memory.
func (m *Memory) Fd() int { return m.fd }

// Mapped returns the number of windows currently mapped.
func (m *Memory) Mapped() int {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return m.mapped
}

func (m *Memory) offset(addr uint64, size int) (int, error) {
	if size < 0 || addr < m.base || addr-m.base > uint64(len(m.data)) ||
		uint64(size) > uint64(len(m.data))-(addr-m.base) {
		return 0, fmt.Errorf("host address %#x+%d outside [%#x, %#x)", addr, size, m.base, m.base+uint64(len(m.data)))
	}
	return int(addr - m.base), nil
}

// Map maps a window at addr. The window may be shorter than size when a
// window size cap is configured.
func (m *Memory) Map(addr uint64, size int) (interfaces.Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map %#x: invalid size %d", addr, size)
	}
	if m.maxWindowSize > 0 && size > m.maxWindowSize {
		size = m.maxWindowSize
	}
	off, err := m.offset(addr, size)
	if err != nil {
		return nil, err
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.maxWindows > 0 && m.mapped >= m.maxWindows {
		return nil, interfaces.ErrNoWindow
	}
	m.mapped++
	return &window{mem: m, addr: addr, off: off, size: size}, nil
}

// Unmap releases a window returned by Map.
func (m *Memory) Unmap(w interfaces.Window) error {
	win, ok := w.(*window)
	if !ok || win.mem != m {
		return fmt.Errorf("unmap: foreign window")
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	if win.unmapped {
		return fmt.Errorf("unmap %#x: already unmapped", win.addr)
	}
	win.unmapped = true
	m.mapped--
	return nil
}

// ReadAt reads host memory directly. It is the host's own view and does not
// consume a window.
func (m *Memory) ReadAt(p []byte, addr uint64) error {
	off, err := m.offset(addr, len(p))
	if err != nil {
		return err
	}
	m.mu.RLock()
	copy(p, m.data[off:])
	m.mu.RUnlock()
	return nil
}

// WriteAt writes host memory directly.
func (m *Memory) WriteAt(p []byte, addr uint64) error {
	off, err := m.offset(addr, len(p))
	if err != nil {
		return err
	}
	m.mu.Lock()
	copy(m.data[off:], p)
	m.mu.Unlock()
	return nil
}

// Close releases a file mapping. It is a no-op for heap memory.
func (m *Memory) Close() error {
	if m.release == nil {
		return nil
	}
	release := m.release
	m.release = nil
	return release()
}

type window struct {
	mem      *Memory
	addr     uint64
	off      int
	size     int
	unmapped bool
}

func (w *window) PCIAddr() uint64 { return w.addr }

func (w *window) Size() int { return w.size }

func (w *window) bounds(off, n int) error {
	if off < 0 || n < 0 || off+n > w.size {
		return fmt.Errorf("window %#x: access %d+%d exceeds size %d", w.addr, off, n, w.size)
	}
	return nil
}

func (w *window) CopyFrom(dst []byte, off int) error {
	if err := w.bounds(off, len(dst)); err != nil {
		return err
	}
	w.mem.mu.RLock()
	copy(dst, w.mem.data[w.off+off:])
	w.mem.mu.RUnlock()
	return nil
}

func (w *window) CopyTo(off int, src []byte) error {
	if err := w.bounds(off, len(src)); err != nil {
		return err
	}
	w.mem.mu.Lock()
	copy(w.mem.data[w.off+off:], src)
	w.mem.mu.Unlock()
	return nil
}

// Compile-time interface checks
var _ interfaces.HostMemory = (*Memory)(nil)
var _ interfaces.Window = (*window)(nil)
