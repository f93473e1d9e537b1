//go:build linux

package irq

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// EventFD signals interrupts through eventfds. Index 0 is the INTx line and
// index v is MSI or MSI-X vector v.
type EventFD struct {
	mu  sync.RWMutex
	fds []int
}

// NewEventFD creates one non-blocking eventfd for INTx and one per vector.
func NewEventFD(vectors int) (*EventFD, error) {
	if vectors < 0 || vectors > 2048 {
		return nil, fmt.Errorf("eventfd: %d vectors out of range", vectors)
	}
	e := &EventFD{fds: make([]int, 0, vectors+1)}
	for i := 0; i <= vectors; i++ {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("eventfd %d: %w", i, err)
		}
		e.fds = append(e.fds, fd)
	}
	return e, nil
}

func (e *EventFD) index(t interfaces.IRQType, vector uint16) (int, error) {
	switch t {
	case interfaces.IRQTypeMSI, interfaces.IRQTypeMSIX:
		if vector == 0 || int(vector) >= len(e.fds) {
			return 0, fmt.Errorf("%s vector %d: %w", t, vector, ErrBadVector)
		}
		return int(vector), nil
	default:
		return 0, nil
	}
}

// RaiseIRQ implements interfaces.Interrupter
func (e *EventFD) RaiseIRQ(t interfaces.IRQType, vector uint16) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fds == nil {
		return ErrClosed
	}
	i, err := e.index(t, vector)
	if err != nil {
		return err
	}

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		_, err = unix.Write(e.fds[i], one[:])
		if err != unix.EINTR {
			break
		}
	}
	// EAGAIN means the counter is saturated; the reader is already due a
	// wakeup.
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("signal eventfd %d: %w", i, err)
	}
	return nil
}

// FD returns the eventfd for a line. Vector 0 with IRQTypeINTx is the
// legacy line.
func (e *EventFD) FD(t interfaces.IRQType, vector uint16) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fds == nil {
		return -1, ErrClosed
	}
	i, err := e.index(t, vector)
	if err != nil {
		return -1, err
	}
	return e.fds[i], nil
}

// Drain reads and resets the pending count of a line. It returns zero when
// nothing is pending.
func (e *EventFD) Drain(t interfaces.IRQType, vector uint16) (uint64, error) {
	fd, err := e.FD(t, vector)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("read eventfd: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Vectors returns the number of MSI vectors.
func (e *EventFD) Vectors() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return max(len(e.fds)-1, 0)
}

// Close closes every eventfd.
func (e *EventFD) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var first error
	for _, fd := range e.fds {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
	}
	e.fds = nil
	return first
}

var _ interfaces.Interrupter = (*EventFD)(nil)
