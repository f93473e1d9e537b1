package nvme

import (
	"errors"
	"fmt"
)

// Status is the 15-bit NVMe completion status (SC, SCT, CRD, M, DNR) without
// the phase tag.
type Status uint16

// Generic command status (SCT 0)
const (
	NVME_SC_SUCCESS            Status = 0x0
	NVME_SC_INVALID_OPCODE     Status = 0x1
	NVME_SC_INVALID_FIELD      Status = 0x2
	NVME_SC_CMDID_CONFLICT     Status = 0x3
	NVME_SC_DATA_XFER_ERROR    Status = 0x4
	NVME_SC_POWER_LOSS         Status = 0x5
	NVME_SC_INTERNAL           Status = 0x6
	NVME_SC_ABORT_REQ          Status = 0x7
	NVME_SC_ABORT_QUEUE        Status = 0x8
	NVME_SC_INVALID_NS         Status = 0xb
	NVME_SC_CMD_SEQ_ERROR      Status = 0xc
	NVME_SC_SGL_INVALID_LAST   Status = 0xd
	NVME_SC_PRP_INVALID_OFFSET Status = 0x13
	NVME_SC_LBA_RANGE          Status = 0x80
	NVME_SC_CAP_EXCEEDED       Status = 0x81
	NVME_SC_NS_NOT_READY       Status = 0x82
)

// Command specific status (SCT 1)
const (
	NVME_SC_CQ_INVALID      Status = 0x100
	NVME_SC_QID_INVALID     Status = 0x101
	NVME_SC_QUEUE_SIZE      Status = 0x102
	NVME_SC_ABORT_LIMIT     Status = 0x103
	NVME_SC_INVALID_VECTOR  Status = 0x108
	NVME_SC_INVALID_LOG     Status = 0x109
	NVME_SC_INVALID_QUEUE   Status = 0x10c
	NVME_SC_FEATURE_NOT_SAV Status = 0x10d
)

// Status modifiers
const (
	NVME_SC_MASK       Status = 0x00ff
	NVME_SCT_MASK      Status = 0x0700
	NVME_STATUS_MORE   Status = 0x2000
	NVME_STATUS_DNR    Status = 0x4000
	NVME_STATUS_FIELDS Status = 0x7fff
)

// Code returns the status without the DNR and More bits.
func (s Status) Code() Status {
	return s & (NVME_SCT_MASK | NVME_SC_MASK)
}

// DNR reports whether the Do Not Retry bit is set.
func (s Status) DNR() bool {
	return s&NVME_STATUS_DNR != 0
}

// Success reports whether the status code is NVME_SC_SUCCESS.
func (s Status) Success() bool {
	return s.Code() == NVME_SC_SUCCESS
}

// String returns a printable name for the status code.
func (s Status) String() string {
	name := "unknown"
	switch s.Code() {
	case NVME_SC_SUCCESS:
		name = "success"
	case NVME_SC_INVALID_OPCODE:
		name = "invalid opcode"
	case NVME_SC_INVALID_FIELD:
		name = "invalid field"
	case NVME_SC_DATA_XFER_ERROR:
		name = "data transfer error"
	case NVME_SC_INTERNAL:
		name = "internal error"
	case NVME_SC_ABORT_REQ:
		name = "abort requested"
	case NVME_SC_INVALID_NS:
		name = "invalid namespace"
	case NVME_SC_CMD_SEQ_ERROR:
		name = "command sequence error"
	case NVME_SC_PRP_INVALID_OFFSET:
		name = "invalid prp offset"
	case NVME_SC_LBA_RANGE:
		name = "lba out of range"
	case NVME_SC_CQ_INVALID:
		name = "completion queue invalid"
	case NVME_SC_QID_INVALID:
		name = "invalid queue identifier"
	case NVME_SC_QUEUE_SIZE:
		name = "invalid queue size"
	case NVME_SC_INVALID_VECTOR:
		name = "invalid interrupt vector"
	case NVME_SC_INVALID_LOG:
		name = "invalid log page"
	case NVME_SC_INVALID_QUEUE:
		name = "invalid queue deletion"
	}
	if s.DNR() {
		return fmt.Sprintf("%s (0x%03x, dnr)", name, uint16(s.Code()))
	}
	return fmt.Sprintf("%s (0x%03x)", name, uint16(s.Code()))
}

// StatusError carries a host-visible completion status through Go error returns.
type StatusError struct {
	Status Status
	Msg    string
	Err    error
}

func (e *StatusError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Status.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("nvme: %s: %v", msg, e.Err)
	}
	return "nvme: " + msg
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Errorf returns a *StatusError with the DNR bit set on status.
func Errorf(status Status, format string, args ...interface{}) error {
	return &StatusError{Status: status | NVME_STATUS_DNR, Msg: fmt.Sprintf(format, args...)}
}

// WrapStatus wraps err with a host-visible status. The DNR bit is set.
func WrapStatus(status Status, err error, msg string) error {
	return &StatusError{Status: status | NVME_STATUS_DNR, Msg: msg, Err: err}
}

// StatusOf extracts the completion status carried by err. Errors without a
// status map to an internal error with DNR; nil maps to success.
func StatusOf(err error) Status {
	if err == nil {
		return NVME_SC_SUCCESS
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return NVME_SC_INTERNAL | NVME_STATUS_DNR
}
