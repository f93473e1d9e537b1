//go:build !linux

package irq

import (
	"errors"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// EventFD is unavailable off Linux.
type EventFD struct{}

// NewEventFD always fails off Linux.
func NewEventFD(vectors int) (*EventFD, error) {
	return nil, errors.New("eventfd interrupts need linux")
}

func (e *EventFD) RaiseIRQ(t interfaces.IRQType, vector uint16) error { return ErrClosed }
func (e *EventFD) Vectors() int                                       { return 0 }
func (e *EventFD) Close() error                                       { return nil }
