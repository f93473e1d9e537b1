package queue

import (
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// postLoop posts pending completions of cq until the CQ is destroyed. While
// the ring is full it retries on a timer.
func (m *Manager) postLoop(cq *CompletionQueue) {
	defer close(cq.done)

	retry := time.NewTimer(m.poll.CQRetry)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-cq.stop:
			return
		case <-cq.kick:
		case <-retry.C:
		}
		if m.post(cq) {
			retry.Reset(m.poll.CQRetry)
		}
	}
}

// post writes as many pending completions as the ring has room for and
// reports whether any are left.
func (m *Manager) post(cq *CompletionQueue) bool {
	cq.mu.Lock()

	if len(cq.pending) == 0 {
		cq.mu.Unlock()
		return false
	}
	if !m.ready() || !cq.live.Load() {
		dropped := cq.pending
		cq.pending = nil
		cq.mu.Unlock()
		for _, cmd := range dropped {
			cmd.Release()
		}
		return false
	}

	if head := m.db.Read32(cq.doorbell); head < cq.depth {
		cq.head = head
	}

	var (
		entry  [nvme.NVME_CQE_SIZE]byte
		posted int
		failed bool
	)
	for posted < len(cq.pending) {
		if cq.full() {
			// The host may have consumed entries since the last read.
			if head := m.db.Read32(cq.doorbell); head < cq.depth {
				cq.head = head
			}
			if cq.full() {
				if m.observer != nil {
					m.observer.ObserveCQFull(cq.id)
				}
				break
			}
		}

		cmd := cq.pending[posted]
		cqe := nvme.Completion{
			Result:    cmd.Result,
			SQHead:    uint16(m.sqs[cmd.SQID].head.Load()),
			SQID:      cmd.SQID,
			CommandID: cmd.Cmd.CommandID,
			Status:    nvme.EncodeStatus(cmd.Status, cq.phase),
		}
		cqe.MarshalTo(entry[:])

		addr := cq.addr + uint64(cq.tail)*uint64(cq.entrySize)
		if err := copyRing(m.mem, addr, entry[:], true); err != nil {
			if m.logger != nil {
				m.logger.Printf("queue %d: post cid %d: %v", cq.id, cmd.Cmd.CommandID, err)
			}
			failed = true
			break
		}

		cq.tail++
		if cq.tail == cq.depth {
			cq.tail = 0
			cq.phase ^= 1
		}
		posted++

		if m.observer != nil {
			m.observer.ObserveCompletion(cq.id, cmd.Status, time.Since(cmd.Fetched))
		}
		cmd.Release()
	}

	done := cq.pending[:posted]
	for i := range done {
		done[i] = nil
	}
	cq.pending = cq.pending[posted:]
	remaining := len(cq.pending)
	sqs := append([]uint16(nil), cq.sqs...)
	cq.mu.Unlock()

	if posted > 0 {
		if cq.flags&nvme.NVME_CQ_IRQ_ENABLED != 0 && m.irq != nil {
			m.irq.Raise(cq.vector)
			if m.observer != nil {
				m.observer.ObserveInterrupt(cq.vector)
			}
		}
		// Freed CQ slots may unblock commands the SQs are holding back.
		for _, qid := range sqs {
			m.sqs[qid].Kick()
		}
	}
	if failed && m.logger != nil {
		m.logger.Debugf("queue %d: %d completions requeued", cq.id, remaining)
	}
	return remaining > 0
}
