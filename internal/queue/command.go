package queue

import (
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// Command is one host command in flight, from SQ fetch to CQ posting.
type Command struct {
	SQID uint16
	CQID uint16
	Cmd  nvme.Command

	// Status and Result go into the completion entry.
	Status nvme.Status
	Result uint64

	// Dir, Buffer and Segments describe the data stage. When Dir is not
	// DirNone the segment sizes add up to len(Buffer).
	Dir      interfaces.Direction
	Buffer   []byte
	Segments []interfaces.Segment

	// NS is the resolved namespace of an I/O command.
	NS interfaces.Namespace

	Fetched time.Time
}

// NewCommand wraps a fetched submission entry.
func NewCommand(sqid, cqid uint16, cmd nvme.Command) *Command {
	return &Command{SQID: sqid, CQID: cqid, Cmd: cmd, Fetched: time.Now()}
}

// AllocBuffer attaches a staging buffer of size bytes. Admin commands ask
// for a zeroed buffer so short backend responses never leak stale data.
func (c *Command) AllocBuffer(size int, zero bool) []byte {
	if c.Buffer != nil {
		PutBuffer(c.Buffer)
	}
	c.Buffer = GetBuffer(size)
	if zero {
		clear(c.Buffer)
	}
	return c.Buffer
}

// SetStatus records a failure status unless one is already set.
func (c *Command) SetStatus(s nvme.Status) {
	if c.Status == nvme.NVME_SC_SUCCESS {
		c.Status = s
	}
}

// Release returns the staging buffer to the pool. The command must not be
// used afterwards.
func (c *Command) Release() {
	if c.Buffer != nil {
		PutBuffer(c.Buffer)
		c.Buffer = nil
	}
	c.Segments = nil
	c.NS = nil
}
