// Package interfaces defines the collaborators the endpoint core depends on:
// the backend fabrics controller, the host-memory transport and the
// interrupt line.
package interfaces

import (
	"context"
	"errors"

	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// ErrControllerLost is wrapped by backend errors that mean the fabrics
// controller is gone for good. The endpoint disables itself when it sees one.
var ErrControllerLost = errors.New("backend controller lost")

// Completion is the outcome of a backend command.
type Completion struct {
	// Status is the NVMe status reported by the backend. Zero is success.
	Status nvme.Status
	// Result is the 64-bit command specific result (CQE dwords 0-1).
	Result uint64
}

// Namespace is a backend namespace handle.
type Namespace interface {
	// ID returns the namespace identifier.
	ID() uint32

	// LBAShift returns log2 of the formatted logical block size.
	LBAShift() uint
}

// Controller is the backend NVMe controller that services forwarded commands.
// In production this is a fabrics host controller; tests and the loop backend
// run it in-process.
type Controller interface {
	// Submit executes cmd synchronously. ns is nil for admin commands. buf
	// holds the data for host-to-device commands and receives the data of
	// device-to-host commands; it is nil when the command carries no data.
	//
	// A non-nil error means the command never reached a status; the endpoint
	// reports it to the host as an internal error.
	Submit(ctx context.Context, ns Namespace, cmd *nvme.Command, buf []byte) (Completion, error)

	// Namespace resolves an active namespace by id.
	Namespace(nsid uint32) (Namespace, bool)

	// QueueCount returns the number of queues (admin included) the backend
	// controller can serve.
	QueueCount() int

	// Cap returns the backend controller's CAP register.
	Cap() uint64

	// Version returns the backend controller's VS register.
	Version() uint32

	// ControllerConfig returns the backend controller's CC register.
	ControllerConfig() uint32
}
