package nvme

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrInsufficientData is returned when a buffer is too short to decode.
var ErrInsufficientData = errors.New("insufficient data for unmarshal")

// Command is the 64-byte submission queue entry common to admin and I/O
// commands.
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	CDW2      uint32
	CDW3      uint32
	Metadata  uint64
	PRP1      uint64
	PRP2      uint64
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

// Completion is the 16-byte completion queue entry.
type Completion struct {
	Result    uint64
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	// Status holds status<<1 | phase exactly as written to the ring.
	Status uint16
}

// Marshal encodes the command into a 64-byte little-endian entry.
func (c *Command) Marshal() []byte {
	buf := make([]byte, NVME_CMD_SIZE)
	c.MarshalTo(buf)
	return buf
}

// MarshalTo encodes the command into buf, which must hold NVME_CMD_SIZE bytes.
func (c *Command) MarshalTo(buf []byte) {
	_ = buf[NVME_CMD_SIZE-1]
	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], c.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], c.CDW3)
	binary.LittleEndian.PutUint64(buf[16:24], c.Metadata)
	binary.LittleEndian.PutUint64(buf[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], c.CDW15)
}

// Unmarshal decodes a 64-byte submission queue entry.
func (c *Command) Unmarshal(data []byte) error {
	if len(data) < NVME_CMD_SIZE {
		return ErrInsufficientData
	}
	c.Opcode = data[0]
	c.Flags = data[1]
	c.CommandID = binary.LittleEndian.Uint16(data[2:4])
	c.NSID = binary.LittleEndian.Uint32(data[4:8])
	c.CDW2 = binary.LittleEndian.Uint32(data[8:12])
	c.CDW3 = binary.LittleEndian.Uint32(data[12:16])
	c.Metadata = binary.LittleEndian.Uint64(data[16:24])
	c.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	c.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	c.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	c.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	c.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	c.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	c.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	c.CDW15 = binary.LittleEndian.Uint32(data[60:64])
	return nil
}

// UsesSGL reports whether PSDT selects an SGL data pointer.
func (c *Command) UsesSGL() bool {
	return c.Flags&NVME_CMD_SGL_ALL != 0
}

// Queue management accessors (create/delete SQ/CQ)

// QueueID returns CDW10[15:0].
func (c *Command) QueueID() uint16 { return uint16(c.CDW10) }

// QueueSize returns the zero-based size in CDW10[31:16].
func (c *Command) QueueSize() uint16 { return uint16(c.CDW10 >> 16) }

// QueueFlags returns CDW11[15:0].
func (c *Command) QueueFlags() uint16 { return uint16(c.CDW11) }

// IRQVector returns CDW11[31:16] of a create CQ command.
func (c *Command) IRQVector() uint16 { return uint16(c.CDW11 >> 16) }

// CQID returns CDW11[31:16] of a create SQ command.
func (c *Command) CQID() uint16 { return uint16(c.CDW11 >> 16) }

// FeatureID returns CDW10[7:0] of a get/set features command.
func (c *Command) FeatureID() uint8 { return uint8(c.CDW10) }

// CNS returns CDW10[7:0] of an identify command.
func (c *Command) CNS() uint8 { return uint8(c.CDW10) }

// LogPageID returns CDW10[7:0] of a get log page command.
func (c *Command) LogPageID() uint8 { return uint8(c.CDW10) }

// LogPageLen returns the byte length requested by a get log page command,
// saturated at math.MaxInt32.
func (c *Command) LogPageLen() int {
	numd := uint64(c.CDW11&0xffff)<<16 | uint64(c.CDW10>>16)
	return int(min((numd+1)*4, math.MaxInt32))
}

// SLBA returns the starting LBA of a read/write style command.
func (c *Command) SLBA() uint64 {
	return uint64(c.CDW11)<<32 | uint64(c.CDW10)
}

// NLB returns the zero-based number of logical blocks.
func (c *Command) NLB() uint16 { return uint16(c.CDW12) }

// DSMRanges returns the one-based number of DSM ranges.
func (c *Command) DSMRanges() int { return int(c.CDW10&0xff) + 1 }

// Marshal encodes the completion into a 16-byte little-endian entry.
func (c *Completion) Marshal() []byte {
	buf := make([]byte, NVME_CQE_SIZE)
	c.MarshalTo(buf)
	return buf
}

// MarshalTo encodes the completion into buf, which must hold NVME_CQE_SIZE bytes.
func (c *Completion) MarshalTo(buf []byte) {
	_ = buf[NVME_CQE_SIZE-1]
	binary.LittleEndian.PutUint64(buf[0:8], c.Result)
	binary.LittleEndian.PutUint16(buf[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CommandID)
	binary.LittleEndian.PutUint16(buf[14:16], c.Status)
}

// Unmarshal decodes a 16-byte completion queue entry.
func (c *Completion) Unmarshal(data []byte) error {
	if len(data) < NVME_CQE_SIZE {
		return ErrInsufficientData
	}
	c.Result = binary.LittleEndian.Uint64(data[0:8])
	c.SQHead = binary.LittleEndian.Uint16(data[8:10])
	c.SQID = binary.LittleEndian.Uint16(data[10:12])
	c.CommandID = binary.LittleEndian.Uint16(data[12:14])
	c.Status = binary.LittleEndian.Uint16(data[14:16])
	return nil
}

// Phase returns the phase tag of the entry.
func (c Completion) Phase() uint8 {
	return uint8(c.Status & 1)
}

// StatusCode returns the entry status without the phase tag.
func (c Completion) StatusCode() Status {
	return Status(c.Status >> 1)
}

// EncodeStatus packs a status and phase tag into the completion status field.
func EncodeStatus(s Status, phase uint8) uint16 {
	return uint16(s&NVME_STATUS_FIELDS)<<1 | uint16(phase&1)
}
