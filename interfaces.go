package nvmepf

import (
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
)

// Backend controller surface
type (
	Controller = interfaces.Controller
	Namespace  = interfaces.Namespace
	Completion = interfaces.Completion
)

// Namespace storage used by the loop backend
type (
	Store            = interfaces.Store
	DiscardStore     = interfaces.DiscardStore
	WriteZeroesStore = interfaces.WriteZeroesStore
	StatStore        = interfaces.StatStore
)

// Host link surface
type (
	HostMemory  = interfaces.HostMemory
	Window      = interfaces.Window
	BulkEngine  = interfaces.BulkEngine
	BulkOp      = interfaces.BulkOp
	Interrupter = interfaces.Interrupter
	IRQType     = interfaces.IRQType
	Direction   = interfaces.Direction
	Segment     = interfaces.Segment
)

const (
	IRQTypeINTx = interfaces.IRQTypeINTx
	IRQTypeMSI  = interfaces.IRQTypeMSI
	IRQTypeMSIX = interfaces.IRQTypeMSIX
)

// PollPolicy tunes submission queue polling
type PollPolicy = queue.PollPolicy

// DefaultPollPolicy returns the default polling intervals
func DefaultPollPolicy() PollPolicy { return queue.DefaultPollPolicy() }

// ErrControllerLost is wrapped by backend errors that mean the fabrics
// controller is gone; the endpoint disables itself when it sees one
var ErrControllerLost = interfaces.ErrControllerLost

// Logger is the logging surface components accept
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
