package nvmepf

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/passthrough"
	"github.com/ehrlich-b/go-nvmepf/internal/transfer"
)

// Error is a structured endpoint error with queue and status context
type Error struct {
	Op     string        // Operation that failed (e.g., "LINK_UP", "HOST_READ")
	Queue  int           // Queue id (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Status nvme.Status   // Host-visible completion status (0 if not applicable)
	Errno  syscall.Errno // OS errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%#x", uint16(e.Status)))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvmepf: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "nvmepf: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel EndpointErrors and other *Error values by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if ee, ok := target.(EndpointError); ok {
		return e.Code == ErrorCode(ee)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidField      ErrorCode = "invalid field"
	ErrCodeInvalidOffset     ErrorCode = "invalid prp offset"
	ErrCodeQueueIDInvalid    ErrorCode = "invalid queue identifier"
	ErrCodeCQInvalid         ErrorCode = "completion queue invalid"
	ErrCodeQueueSize         ErrorCode = "invalid queue size"
	ErrCodeInvalidVector     ErrorCode = "invalid interrupt vector"
	ErrCodeInvalidOpcode     ErrorCode = "invalid opcode"
	ErrCodeInvalidNamespace  ErrorCode = "invalid namespace"
	ErrCodeDataTransfer      ErrorCode = "data transfer error"
	ErrCodeInternal          ErrorCode = "internal error"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeNotReady          ErrorCode = "controller not ready"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeLinkDown          ErrorCode = "pci link is down"
	ErrCodeBackendLost       ErrorCode = "backend controller lost"
)

// EndpointError is a sentinel error comparable with errors.Is
type EndpointError string

func (e EndpointError) Error() string {
	return "nvmepf: " + string(e)
}

const (
	ErrNotReady          EndpointError = "controller not ready"
	ErrInvalidParameters EndpointError = "invalid parameters"
	ErrLinkDown          EndpointError = "pci link is down"
	ErrBackendLost       EndpointError = "backend controller lost"
	ErrTimeout           EndpointError = "timeout"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with endpoint context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ee *Error
	if errors.As(inner, &ee) {
		out := *ee
		out.Op = op
		return &out
	}

	e := &Error{Op: op, Queue: -1, Code: ErrCodeInternal, Msg: inner.Error(), Inner: inner}

	var se *nvme.StatusError
	var errno syscall.Errno
	switch {
	case errors.As(inner, &se):
		e.Status = se.Status
		e.Code = statusToCode(se.Status)
	case errors.Is(inner, passthrough.ErrLinkDown):
		e.Code = ErrCodeLinkDown
	case errors.Is(inner, interfaces.ErrControllerLost):
		e.Code = ErrCodeBackendLost
	case errors.Is(inner, transfer.ErrTimeout):
		e.Code = ErrCodeTimeout
	case errors.As(inner, &errno):
		e.Errno = errno
		e.Code = mapErrnoToCode(errno)
	}
	return e
}

// statusToCode maps a completion status to an error category
func statusToCode(s nvme.Status) ErrorCode {
	switch s.Code() {
	case nvme.NVME_SC_INVALID_FIELD:
		return ErrCodeInvalidField
	case nvme.NVME_SC_PRP_INVALID_OFFSET:
		return ErrCodeInvalidOffset
	case nvme.NVME_SC_QID_INVALID:
		return ErrCodeQueueIDInvalid
	case nvme.NVME_SC_CQ_INVALID:
		return ErrCodeCQInvalid
	case nvme.NVME_SC_QUEUE_SIZE:
		return ErrCodeQueueSize
	case nvme.NVME_SC_INVALID_VECTOR:
		return ErrCodeInvalidVector
	case nvme.NVME_SC_INVALID_OPCODE:
		return ErrCodeInvalidOpcode
	case nvme.NVME_SC_INVALID_NS:
		return ErrCodeInvalidNamespace
	case nvme.NVME_SC_DATA_XFER_ERROR:
		return ErrCodeDataTransfer
	default:
		return ErrCodeInternal
	}
}

// mapErrnoToCode maps syscall errno to endpoint error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG, syscall.ERANGE:
		return ErrCodeInvalidParameters
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EFAULT, syscall.EIO:
		return ErrCodeDataTransfer
	case syscall.ENOTCONN, syscall.ENETDOWN:
		return ErrCodeLinkDown
	default:
		return ErrCodeInternal
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// StatusOf returns the completion status carried by err, or an internal
// error with DNR when it carries none
func StatusOf(err error) nvme.Status {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return nvme.StatusOf(err)
}
