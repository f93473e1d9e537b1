package interfaces

import "errors"

// ErrNoWindow is returned by HostMemory.Map when no mapping window is free.
var ErrNoWindow = errors.New("no host memory window available")

// Direction is the data direction of a transfer, seen from the endpoint.
type Direction int

const (
	// DirNone means the command moves no data.
	DirNone Direction = iota
	// DirFromHost copies host memory into the local buffer (writes).
	DirFromHost
	// DirToHost copies the local buffer into host memory (reads).
	DirToHost
)

func (d Direction) String() string {
	switch d {
	case DirFromHost:
		return "from-host"
	case DirToHost:
		return "to-host"
	default:
		return "none"
	}
}

// Segment is a contiguous range of host PCI address space.
type Segment struct {
	PCIAddr uint64
	Size    int
}

// Window is a temporary mapping of host PCI address space.
type Window interface {
	// PCIAddr returns the host address of the first byte of the window.
	PCIAddr() uint64

	// Size returns the mapped length. It may be smaller than requested;
	// callers map again for the remainder.
	Size() int

	// CopyFrom copies len(dst) bytes starting off bytes into the window.
	CopyFrom(dst []byte, off int) error

	// CopyTo copies src into the window starting off bytes into it.
	CopyTo(off int, src []byte) error
}

// HostMemory maps windows of the host's PCI address space. Windows are a
// scarce resource; every Map must be paired with an Unmap.
type HostMemory interface {
	Map(pciAddr uint64, size int) (Window, error)
	Unmap(w Window) error
}

// BulkOp is an in-flight bulk copy.
type BulkOp interface {
	// Done receives the result of the copy once it finishes.
	Done() <-chan error

	// Cancel force-terminates the copy. It is safe to call after completion.
	Cancel()
}

// BulkEngine is an optional DMA-style copy engine used for large segments.
type BulkEngine interface {
	Start(dir Direction, w Window, buf []byte) (BulkOp, error)
}

// IRQType selects the interrupt mechanism used to signal the host.
type IRQType int

const (
	IRQTypeINTx IRQType = iota
	IRQTypeMSI
	IRQTypeMSIX
)

func (t IRQType) String() string {
	switch t {
	case IRQTypeMSI:
		return "msi"
	case IRQTypeMSIX:
		return "msix"
	default:
		return "intx"
	}
}

// Interrupter raises interrupts on the host. For MSI and MSI-X the vector is
// one-based as the endpoint controller expects; INTx ignores it.
type Interrupter interface {
	RaiseIRQ(t IRQType, vector uint16) error
}
