// Package irq provides interrupt sinks for the endpoint: an eventfd per
// vector for an external host process to wait on, and an in-process
// counter.
package irq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// ErrClosed is returned when raising on a closed sink.
var ErrClosed = errors.New("interrupt sink closed")

// ErrBadVector is returned for an MSI or MSI-X vector outside 1..Vectors.
var ErrBadVector = errors.New("interrupt vector out of range")

// Counter records raised interrupts. The zero value is not usable; call
// NewCounter.
type Counter struct {
	vectors int
	intx    atomic.Uint64
	msi     []atomic.Uint64

	mu     sync.Mutex
	notify chan struct{}
	// failMSI makes every MSI or MSI-X raise fail, forcing the INTx fallback.
	failMSI atomic.Bool
}

// NewCounter creates a counter accepting vectors 1..vectors.
func NewCounter(vectors int) *Counter {
	return &Counter{
		vectors: vectors,
		msi:     make([]atomic.Uint64, vectors),
		notify:  make(chan struct{}),
	}
}

// RaiseIRQ implements interfaces.Interrupter
func (c *Counter) RaiseIRQ(t interfaces.IRQType, vector uint16) error {
	switch t {
	case interfaces.IRQTypeMSI, interfaces.IRQTypeMSIX:
		if c.failMSI.Load() {
			return fmt.Errorf("%s vector %d: not configured", t, vector)
		}
		if vector == 0 || int(vector) > c.vectors {
			return fmt.Errorf("%s vector %d: %w", t, vector, ErrBadVector)
		}
		c.msi[vector-1].Add(1)
	default:
		c.intx.Add(1)
	}

	c.mu.Lock()
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// SetFailMSI makes MSI and MSI-X raises fail until cleared.
func (c *Counter) SetFailMSI(fail bool) { c.failMSI.Store(fail) }

// INTx returns the number of legacy interrupts raised.
func (c *Counter) INTx() uint64 { return c.intx.Load() }

// Vector returns the number of interrupts raised on a one-based vector.
func (c *Counter) Vector(vector uint16) uint64 {
	if vector == 0 || int(vector) > c.vectors {
		return 0
	}
	return c.msi[vector-1].Load()
}

// Total returns the number of interrupts raised on any line.
func (c *Counter) Total() uint64 {
	n := c.intx.Load()
	for i := range c.msi {
		n += c.msi[i].Load()
	}
	return n
}

// Wait returns a channel closed by the next raise.
func (c *Counter) Wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

var _ interfaces.Interrupter = (*Counter)(nil)
