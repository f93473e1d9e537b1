package ctrl

import (
	"sync"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// irqLine serializes interrupt delivery. MSI and MSI-X vectors are one-based
// on the wire; when they cannot be raised the line falls back to INTx.
type irqLine struct {
	mu     sync.Mutex
	irq    interfaces.Interrupter
	kind   interfaces.IRQType
	logger Logger
}

func (l *irqLine) Raise(vector uint16) {
	if l.irq == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.kind {
	case interfaces.IRQTypeMSI, interfaces.IRQTypeMSIX:
		err := l.irq.RaiseIRQ(l.kind, vector+1)
		if err == nil {
			return
		}
		if l.logger != nil {
			l.logger.Printf("raise %s vector %d: %v, falling back to intx", l.kind, vector, err)
		}
	}
	if err := l.irq.RaiseIRQ(interfaces.IRQTypeINTx, 0); err != nil && l.logger != nil {
		l.logger.Printf("raise intx: %v", err)
	}
}
