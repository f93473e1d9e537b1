package queue

import (
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// pollLoop fetches commands from sq until it is deleted or the controller
// stops being ready. I/O queues keep spinning for a short window after the
// last command before falling back to the timer.
func (m *Manager) pollLoop(sq *SubmissionQueue, h Handler) {
	defer close(sq.done)

	interval, spin := m.poll.IOInterval, m.poll.SpinWindow
	if sq.id == 0 {
		interval, spin = m.poll.AdminInterval, 0
	}

	if m.logger != nil {
		m.logger.Debugf("queue %d: poller started (depth %d, cq %d)", sq.id, sq.depth, sq.cqid)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	var last time.Time
	for {
		if sq.ctx.Err() != nil || !m.ready() {
			if m.logger != nil {
				m.logger.Debugf("queue %d: poller stopped", sq.id)
			}
			return
		}

		if m.fetch(sq, h) > 0 {
			last = time.Now()
			continue
		}
		if spin > 0 && time.Since(last) < spin {
			time.Sleep(m.poll.SpinSleep)
			continue
		}

		timer.Reset(interval)
		select {
		case <-sq.ctx.Done():
		case <-sq.kick:
		case <-timer.C:
		}
	}
}

// fetch copies every entry between head and the tail doorbell out of the
// ring, advances head and hands the commands to h in ring order.
func (m *Manager) fetch(sq *SubmissionQueue, h Handler) int {
	tail := m.db.Read32(sq.doorbell)
	if tail >= sq.depth {
		// Bogus doorbell value; wait for the host to write a sane one.
		return 0
	}
	head := sq.head.Load()
	if head == tail {
		return 0
	}

	count := (tail + sq.depth - head) % sq.depth
	raw := make([]byte, int(count)*sq.entrySize)

	// At most two contiguous runs: head to the end of the ring, then the
	// wrapped part.
	first := count
	if head+count > sq.depth {
		first = sq.depth - head
	}
	split := int(first) * sq.entrySize
	err := copyRing(m.mem, sq.addr+uint64(head)*uint64(sq.entrySize), raw[:split], false)
	if err == nil && split < len(raw) {
		err = copyRing(m.mem, sq.addr, raw[split:], false)
	}
	if err != nil {
		if m.logger != nil {
			m.logger.Printf("queue %d: fetch %d entries at head %d: %v", sq.id, count, head, err)
		}
		return 0
	}

	cmds := make([]*Command, 0, count)
	for i := 0; i < int(count); i++ {
		cmd := NewCommand(sq.id, sq.cqid, nvme.Command{})
		entry := raw[i*sq.entrySize : i*sq.entrySize+nvme.NVME_CMD_SIZE]
		if err := cmd.Cmd.Unmarshal(entry); err != nil {
			cmd.Status = nvme.NVME_SC_INTERNAL | nvme.NVME_STATUS_DNR
		}
		cmds = append(cmds, cmd)
	}
	sq.head.Store(tail)

	for _, cmd := range cmds {
		h.Handle(sq, cmd)
	}
	return len(cmds)
}
