package ctrl

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// Registers is the BAR the host sees: the NVMe register block followed by
// the doorbells. Accesses are atomic and in host byte order, which is
// little-endian on every platform the endpoint runs on.
type Registers struct {
	bar     []byte
	release func() error
}

// NewRegisters allocates a heap-backed register block.
func NewRegisters(size int) *Registers {
	// Backed by uint64s so 64-bit registers are 8-byte aligned.
	words := make([]uint64, (size+7)/8)
	bar := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)[:size]
	return &Registers{bar: bar}
}

// RegisterSize returns the BAR size needed for nrQueues queue pairs,
// rounded up to 4 KiB.
func RegisterSize(nrQueues int) int {
	end := nvme.CQDoorbell(uint16(nrQueues-1)) + nvme.NVME_DB_STRIDE
	return (end + nvme.NVME_PAGE_SIZE - 1) &^ (nvme.NVME_PAGE_SIZE - 1)
}

// Size returns the BAR length.
func (r *Registers) Size() int { return len(r.bar) }

// Bytes exposes the raw BAR.
func (r *Registers) Bytes() []byte { return r.bar }

func (r *Registers) check(off, n int) {
	if off < 0 || off+n > len(r.bar) || off%n != 0 {
		panic(fmt.Sprintf("register access %#x/%d outside BAR of %#x bytes", off, n, len(r.bar)))
	}
}

// Read32 loads the 32-bit register at off.
func (r *Registers) Read32(off int) uint32 {
	r.check(off, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.bar[off])))
}

// Write32 stores the 32-bit register at off.
func (r *Registers) Write32(off int, v uint32) {
	r.check(off, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.bar[off])), v)
}

// Read64 loads the 64-bit register at off.
func (r *Registers) Read64(off int) uint64 {
	r.check(off, 8)
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.bar[off])))
}

// Write64 stores the 64-bit register at off.
func (r *Registers) Write64(off int, v uint64) {
	r.check(off, 8)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&r.bar[off])), v)
}

// Close unmaps a file-backed register block.
func (r *Registers) Close() error {
	if r.release == nil {
		return nil
	}
	release := r.release
	r.release = nil
	return release()
}
