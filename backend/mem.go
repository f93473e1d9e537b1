// Package backend provides namespace stores and an in-process loop
// controller that serves NVMe commands from them.
package backend

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// ErrClosed is returned by store operations after Close.
var ErrClosed = errors.New("store closed")

// shardSize is the size of each memory shard (64KB).
// Provides good parallelism for 4K random I/O while keeping lock overhead reasonable.
const shardSize = 64 * 1024

// Memory is a RAM-backed namespace store. Sharded locking lets commands
// from different I/O queues touch disjoint ranges in parallel.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex

	// mu guards data against Close.
	mu sync.RWMutex
}

// NewMemory creates a new memory store of the specified size
func NewMemory(size int64) *Memory {
	numShards := (size + shardSize - 1) / shardSize
	if numShards == 0 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

func (m *Memory) lock(off, length int64, write bool) func() {
	start, end := m.shardRange(off, length)
	for i := start; i <= end; i++ {
		if write {
			m.shards[i].Lock()
		} else {
			m.shards[i].RLock()
		}
	}
	return func() {
		for i := start; i <= end; i++ {
			if write {
				m.shards[i].Unlock()
			} else {
				m.shards[i].RUnlock()
			}
		}
	}
}

// ReadAt implements the Store interface
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, fmt.Errorf("memory: %w", ErrClosed)
	}
	if off >= m.size {
		return 0, io.EOF
	}

	var err error
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
		err = io.EOF
	}

	unlock := m.lock(off, int64(len(p)), false)
	n := copy(p, m.data[off:off+int64(len(p))])
	unlock()
	return n, err
}

// WriteAt implements the Store interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, fmt.Errorf("memory: %w", ErrClosed)
	}
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of namespace")
	}

	var err error
	if available := m.size - off; int64(len(p)) > available {
		p = p[:available]
		err = io.ErrShortWrite
	}

	unlock := m.lock(off, int64(len(p)), true)
	n := copy(m.data[off:off+int64(len(p))], p)
	unlock()
	return n, err
}

// Size implements the Store interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Store interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear the data to help with GC
	m.data = nil
	return nil
}

// Flush implements the Store interface
func (m *Memory) Flush() error {
	return nil
}

// Discard implements the DiscardStore interface
func (m *Memory) Discard(offset, length int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil || offset >= m.size || length <= 0 {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}

	unlock := m.lock(offset, end-offset, true)
	clear(m.data[offset:end])
	unlock()
	return nil
}

// WriteZeroes implements the WriteZeroesStore interface
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// Stats implements the StatStore interface
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
		"shards":    len(m.shards),
	}
}

// Compile-time interface checks
var (
	_ interfaces.Store            = (*Memory)(nil)
	_ interfaces.DiscardStore     = (*Memory)(nil)
	_ interfaces.WriteZeroesStore = (*Memory)(nil)
	_ interfaces.StatStore        = (*Memory)(nil)
)
