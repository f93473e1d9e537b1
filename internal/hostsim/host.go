// Package hostsim plays the host side of the PCI link: it programs the
// controller registers, lays out queues in host memory, rings doorbells and
// reaps completions the way an NVMe driver does.
package hostsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// Registers is the controller register block as the host sees it.
type Registers interface {
	Read32(off int) uint32
	Write32(off int, v uint32)
	Read64(off int) uint64
	Write64(off int, v uint64)
}

// Memory is host memory accessed directly by the host.
type Memory interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// ErrNoMemory is returned when the host memory arena is exhausted.
var ErrNoMemory = errors.New("hostsim: out of host memory")

// CommandError reports a command that completed with an error status.
type CommandError struct {
	Opcode uint8
	Status nvme.Status
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("opcode %#x: %s", e.Opcode, e.Status)
}

// Config configures a Host.
type Config struct {
	// Base and Size bound the host memory the simulator allocates from.
	Base uint64
	Size uint64
	// PollInterval is how often registers and CQs are polled.
	PollInterval time.Duration
}

type submissionQueue struct {
	qid   uint16
	cqid  uint16
	depth uint32
	addr  uint64
	tail  uint32
}

type completionQueue struct {
	qid   uint16
	depth uint32
	addr  uint64
	head  uint32
	phase uint8
}

// Host is a minimal NVMe host driver.
type Host struct {
	regs     Registers
	mem      Memory
	interval time.Duration

	mu   sync.Mutex
	next uint64
	end  uint64
	cid  uint16
	sqs  map[uint16]*submissionQueue
	cqs  map[uint16]*completionQueue
}

// New creates a host driving regs over mem.
func New(regs Registers, mem Memory, cfg Config) *Host {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Microsecond
	}
	return &Host{
		regs:     regs,
		mem:      mem,
		interval: cfg.PollInterval,
		next:     cfg.Base,
		end:      cfg.Base + cfg.Size,
		sqs:      make(map[uint16]*submissionQueue),
		cqs:      make(map[uint16]*completionQueue),
	}
}

// Alloc returns page-aligned zeroed host memory.
func (h *Host) Alloc(size int) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	addr := (h.next + nvme.NVME_PAGE_SIZE - 1) &^ (nvme.NVME_PAGE_SIZE - 1)
	if addr+uint64(size) > h.end {
		return 0, ErrNoMemory
	}
	h.next = addr + uint64(size)
	if err := h.mem.WriteAt(make([]byte, size), addr); err != nil {
		return 0, err
	}
	return addr, nil
}

func (h *Host) waitFor(ctx context.Context, what string, cond func() bool) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("hostsim: waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Enable sets up an admin queue pair of depth entries, sets CC.EN with the
// standard entry sizes and waits for CSTS.RDY.
func (h *Host) Enable(ctx context.Context, depth int) error {
	return h.EnableWith(ctx, depth, 6, 4)
}

// EnableWith is Enable with explicit log2 I/O entry sizes.
func (h *Host) EnableWith(ctx context.Context, depth int, iosqes, iocqes uint32) error {
	cq, err := h.newCQ(0, depth)
	if err != nil {
		return err
	}
	sq, err := h.newSQ(0, 0, depth)
	if err != nil {
		return err
	}

	size := uint32(depth - 1)
	h.regs.Write32(nvme.NVME_REG_AQA, size<<nvme.NVME_AQA_ACQS_SHIFT|size)
	h.regs.Write64(nvme.NVME_REG_ASQ, sq.addr)
	h.regs.Write64(nvme.NVME_REG_ACQ, cq.addr)

	cc := h.regs.Read32(nvme.NVME_REG_CC)
	cc &^= nvme.NVME_CC_MPS_MASK | nvme.NVME_CC_SHN_MASK | 0xff<<nvme.NVME_CC_IOSQES_SHIFT
	cc |= iosqes<<nvme.NVME_CC_IOSQES_SHIFT | iocqes<<nvme.NVME_CC_IOCQES_SHIFT | nvme.NVME_CC_ENABLE
	h.regs.Write32(nvme.NVME_REG_CC, cc)

	return h.waitFor(ctx, "CSTS.RDY", func() bool {
		return h.regs.Read32(nvme.NVME_REG_CSTS)&nvme.NVME_CSTS_RDY != 0
	})
}

// Disable clears CC.EN and waits for CSTS.RDY to clear.
func (h *Host) Disable(ctx context.Context) error {
	h.regs.Write32(nvme.NVME_REG_CC, h.regs.Read32(nvme.NVME_REG_CC)&^nvme.NVME_CC_ENABLE)
	err := h.waitFor(ctx, "CSTS.RDY clear", func() bool {
		return h.regs.Read32(nvme.NVME_REG_CSTS)&nvme.NVME_CSTS_RDY == 0
	})
	h.forget()
	return err
}

// Shutdown requests a normal shutdown and waits for it to complete.
func (h *Host) Shutdown(ctx context.Context) error {
	cc := h.regs.Read32(nvme.NVME_REG_CC) &^ nvme.NVME_CC_SHN_MASK
	h.regs.Write32(nvme.NVME_REG_CC, cc|nvme.NVME_CC_SHN_NORMAL)
	err := h.waitFor(ctx, "shutdown complete", func() bool {
		return h.regs.Read32(nvme.NVME_REG_CSTS)&nvme.NVME_CSTS_SHST_MASK == nvme.NVME_CSTS_SHST_CMPLT
	})
	h.forget()
	return err
}

func (h *Host) forget() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sqs = make(map[uint16]*submissionQueue)
	h.cqs = make(map[uint16]*completionQueue)
}

func (h *Host) newCQ(qid uint16, depth int) (*completionQueue, error) {
	addr, err := h.Alloc(depth * nvme.NVME_CQE_SIZE)
	if err != nil {
		return nil, err
	}
	cq := &completionQueue{qid: qid, depth: uint32(depth), addr: addr, phase: 1}

	h.mu.Lock()
	h.cqs[qid] = cq
	h.mu.Unlock()
	return cq, nil
}

func (h *Host) newSQ(qid, cqid uint16, depth int) (*submissionQueue, error) {
	addr, err := h.Alloc(depth * nvme.NVME_CMD_SIZE)
	if err != nil {
		return nil, err
	}
	sq := &submissionQueue{qid: qid, cqid: cqid, depth: uint32(depth), addr: addr}

	h.mu.Lock()
	h.sqs[qid] = sq
	h.mu.Unlock()
	return sq, nil
}

func (h *Host) sq(qid uint16) (*submissionQueue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sq, ok := h.sqs[qid]
	if !ok {
		return nil, fmt.Errorf("hostsim: sq %d not set up", qid)
	}
	return sq, nil
}

func (h *Host) cq(qid uint16) (*completionQueue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cq, ok := h.cqs[qid]
	if !ok {
		return nil, fmt.Errorf("hostsim: cq %d not set up", qid)
	}
	return cq, nil
}

// Submit places cmd on SQ qid, assigning a command id, and rings the tail
// doorbell.
func (h *Host) Submit(qid uint16, cmd nvme.Command) (uint16, error) {
	sq, err := h.sq(qid)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.cid++
	cmd.CommandID = h.cid
	addr := sq.addr + uint64(sq.tail)*nvme.NVME_CMD_SIZE
	if err := h.mem.WriteAt(cmd.Marshal(), addr); err != nil {
		return 0, err
	}
	sq.tail = (sq.tail + 1) % sq.depth
	h.regs.Write32(nvme.SQDoorbell(qid), sq.tail)
	return cmd.CommandID, nil
}

// Reap waits for the next completion on the CQ that SQ qid is bound to and
// acknowledges it through the head doorbell.
func (h *Host) Reap(ctx context.Context, qid uint16) (nvme.Completion, error) {
	sq, err := h.sq(qid)
	if err != nil {
		return nvme.Completion{}, err
	}
	cq, err := h.cq(sq.cqid)
	if err != nil {
		return nvme.Completion{}, err
	}

	var (
		cqe nvme.Completion
		raw = make([]byte, nvme.NVME_CQE_SIZE)
	)
	err = h.waitFor(ctx, fmt.Sprintf("completion on cq %d", cq.qid), func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.mem.ReadAt(raw, cq.addr+uint64(cq.head)*nvme.NVME_CQE_SIZE) != nil {
			return false
		}
		cqe.Unmarshal(raw)
		if cqe.Phase() != cq.phase {
			return false
		}
		cq.head++
		if cq.head == cq.depth {
			cq.head = 0
			cq.phase ^= 1
		}
		h.regs.Write32(nvme.CQDoorbell(cq.qid), cq.head)
		return true
	})
	return cqe, err
}

// Exec submits cmd on qid and waits for its completion. Completions of other
// commands are not expected on the queue.
func (h *Host) Exec(ctx context.Context, qid uint16, cmd nvme.Command) (nvme.Completion, error) {
	cid, err := h.Submit(qid, cmd)
	if err != nil {
		return nvme.Completion{}, err
	}
	cqe, err := h.Reap(ctx, qid)
	if err != nil {
		return cqe, err
	}
	if cqe.CommandID != cid {
		return cqe, fmt.Errorf("hostsim: expected cid %d, got %d", cid, cqe.CommandID)
	}
	if s := cqe.StatusCode(); !s.Success() {
		return cqe, &CommandError{Opcode: cmd.Opcode, Status: s}
	}
	return cqe, nil
}

// CreateIOQueuePair creates CQ qid with interrupts on vector and SQ qid bound
// to it.
func (h *Host) CreateIOQueuePair(ctx context.Context, qid uint16, depth int, vector uint16) error {
	return h.CreateIOQueues(ctx, qid, qid, depth, vector)
}

// CreateIOQueues creates SQ sqid bound to CQ cqid, creating the CQ first if
// the host has not set it up yet.
func (h *Host) CreateIOQueues(ctx context.Context, sqid, cqid uint16, depth int, vector uint16) error {
	if _, err := h.cq(cqid); err != nil {
		cq, err := h.newCQ(cqid, depth)
		if err != nil {
			return err
		}
		_, err = h.Exec(ctx, 0, nvme.Command{
			Opcode: nvme.NVME_ADMIN_CREATE_CQ,
			PRP1:   cq.addr,
			CDW10:  uint32(cqid) | uint32(depth-1)<<16,
			CDW11:  nvme.NVME_QUEUE_PHYS_CONTIG | nvme.NVME_CQ_IRQ_ENABLED | uint32(vector)<<16,
		})
		if err != nil {
			h.dropCQ(cqid)
			return fmt.Errorf("create cq %d: %w", cqid, err)
		}
	}

	sq, err := h.newSQ(sqid, cqid, depth)
	if err != nil {
		return err
	}
	_, err = h.Exec(ctx, 0, nvme.Command{
		Opcode: nvme.NVME_ADMIN_CREATE_SQ,
		PRP1:   sq.addr,
		CDW10:  uint32(sqid) | uint32(depth-1)<<16,
		CDW11:  nvme.NVME_QUEUE_PHYS_CONTIG | uint32(cqid)<<16,
	})
	if err != nil {
		h.dropSQ(sqid)
		return fmt.Errorf("create sq %d: %w", sqid, err)
	}
	return nil
}

// DeleteIOQueuePair deletes SQ qid and then CQ qid.
func (h *Host) DeleteIOQueuePair(ctx context.Context, qid uint16) error {
	if err := h.DeleteSQ(ctx, qid); err != nil {
		return err
	}
	return h.DeleteCQ(ctx, qid)
}

// DeleteSQ deletes SQ qid.
func (h *Host) DeleteSQ(ctx context.Context, qid uint16) error {
	if _, err := h.Exec(ctx, 0, nvme.Command{Opcode: nvme.NVME_ADMIN_DELETE_SQ, CDW10: uint32(qid)}); err != nil {
		return fmt.Errorf("delete sq %d: %w", qid, err)
	}
	h.dropSQ(qid)
	return nil
}

// DeleteCQ deletes CQ qid. SQs bound to it must be deleted first.
func (h *Host) DeleteCQ(ctx context.Context, qid uint16) error {
	if _, err := h.Exec(ctx, 0, nvme.Command{Opcode: nvme.NVME_ADMIN_DELETE_CQ, CDW10: uint32(qid)}); err != nil {
		return fmt.Errorf("delete cq %d: %w", qid, err)
	}
	h.dropCQ(qid)
	return nil
}

func (h *Host) dropSQ(qid uint16) {
	h.mu.Lock()
	delete(h.sqs, qid)
	h.mu.Unlock()
}

func (h *Host) dropCQ(qid uint16) {
	h.mu.Lock()
	delete(h.cqs, qid)
	h.mu.Unlock()
}

// Identify reads identify data for cns into a fresh page.
func (h *Host) Identify(ctx context.Context, cns uint8, nsid uint32) ([]byte, error) {
	buf, err := h.Alloc(nvme.NVME_IDENTIFY_DATA_SIZE)
	if err != nil {
		return nil, err
	}
	_, err = h.Exec(ctx, 0, nvme.Command{
		Opcode: nvme.NVME_ADMIN_IDENTIFY,
		NSID:   nsid,
		PRP1:   buf,
		CDW10:  uint32(cns),
	})
	if err != nil {
		return nil, err
	}
	data := make([]byte, nvme.NVME_IDENTIFY_DATA_SIZE)
	return data, h.mem.ReadAt(data, buf)
}

// LogPage reads length bytes of log page lid. length must be a multiple of
// four and at most two pages.
func (h *Host) LogPage(ctx context.Context, lid uint8, nsid uint32, length int) ([]byte, error) {
	if length <= 0 || length%4 != 0 || length > 2*nvme.NVME_PAGE_SIZE {
		return nil, fmt.Errorf("hostsim: invalid log page length %d", length)
	}
	buf, err := h.Alloc(length)
	if err != nil {
		return nil, err
	}
	prp1, prp2, err := h.PRPs(buf, length)
	if err != nil {
		return nil, err
	}
	numd := uint32(length/4 - 1)
	_, err = h.Exec(ctx, 0, nvme.Command{
		Opcode: nvme.NVME_ADMIN_GET_LOG_PAGE,
		NSID:   nsid,
		PRP1:   prp1,
		PRP2:   prp2,
		CDW10:  uint32(lid) | numd<<16,
	})
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	return data, h.mem.ReadAt(data, buf)
}

// PRPs describes the contiguous host buffer [addr, addr+length) with prp1
// and prp2, building a PRP list when the buffer spans more than two pages.
func (h *Host) PRPs(addr uint64, length int) (uint64, uint64, error) {
	pages := make([]uint64, 0, length/nvme.NVME_PAGE_SIZE+2)
	first := addr &^ (nvme.NVME_PAGE_SIZE - 1)
	for p := first + nvme.NVME_PAGE_SIZE; p < addr+uint64(length); p += nvme.NVME_PAGE_SIZE {
		pages = append(pages, p)
	}
	return h.PRPList(addr, pages)
}

// PRPList builds prp1 and prp2 for a transfer starting at prp1 and
// continuing in the given pages, chaining list pages as needed.
func (h *Host) PRPList(prp1 uint64, pages []uint64) (uint64, uint64, error) {
	switch len(pages) {
	case 0:
		return prp1, 0, nil
	case 1:
		return prp1, pages[0], nil
	}

	const perList = nvme.NVME_PAGE_SIZE / 8
	var head, prev uint64
	for len(pages) > 0 {
		list, err := h.Alloc(nvme.NVME_PAGE_SIZE)
		if err != nil {
			return 0, 0, err
		}
		if prev == 0 {
			head = list
		} else {
			// The last slot of the previous list points here.
			var ptr [8]byte
			binary.LittleEndian.PutUint64(ptr[:], list)
			if err := h.mem.WriteAt(ptr[:], prev+(perList-1)*8); err != nil {
				return 0, 0, err
			}
		}

		n := len(pages)
		if n > perList {
			n = perList - 1
		}
		entries := make([]byte, n*8)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(entries[i*8:], pages[i])
		}
		if err := h.mem.WriteAt(entries, list); err != nil {
			return 0, 0, err
		}
		pages = pages[n:]
		prev = list
	}
	return prp1, head, nil
}

// Write copies data into a fresh host buffer and writes it to nsid at slba.
func (h *Host) Write(ctx context.Context, qid uint16, nsid uint32, slba uint64, blockShift uint, data []byte) error {
	buf, err := h.Alloc(len(data))
	if err != nil {
		return err
	}
	if err := h.mem.WriteAt(data, buf); err != nil {
		return err
	}
	return h.rw(ctx, qid, nvme.NVME_CMD_WRITE, nsid, slba, blockShift, buf, len(data))
}

// Read reads length bytes from nsid at slba into a fresh host buffer.
func (h *Host) Read(ctx context.Context, qid uint16, nsid uint32, slba uint64, blockShift uint, length int) ([]byte, error) {
	buf, err := h.Alloc(length)
	if err != nil {
		return nil, err
	}
	if err := h.rw(ctx, qid, nvme.NVME_CMD_READ, nsid, slba, blockShift, buf, length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	return data, h.mem.ReadAt(data, buf)
}

func (h *Host) rw(ctx context.Context, qid uint16, opcode uint8, nsid uint32, slba uint64, blockShift uint, buf uint64, length int) error {
	prp1, prp2, err := h.PRPs(buf, length)
	if err != nil {
		return err
	}
	_, err = h.Exec(ctx, qid, nvme.Command{
		Opcode: opcode,
		NSID:   nsid,
		PRP1:   prp1,
		PRP2:   prp2,
		CDW10:  uint32(slba),
		CDW11:  uint32(slba >> 32),
		CDW12:  uint32(length>>blockShift) - 1,
	})
	return err
}
