// Package queue implements the emulated NVMe submission and completion
// queues: creation and deletion with reference counting, per-SQ pollers and
// per-CQ completion posting.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-nvmepf/internal/constants"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// Logger is the logging surface the queues need.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Doorbells gives access to the doorbell registers.
type Doorbells interface {
	Read32(off int) uint32
	Write32(off int, v uint32)
}

// IRQ signals a host interrupt for a CQ vector.
type IRQ interface {
	Raise(vector uint16)
}

// Handler executes fetched commands. Handle is called on the SQ's poller
// goroutine in ring order; it either completes the command inline or hands
// it to sq.Go.
type Handler interface {
	Handle(sq *SubmissionQueue, cmd *Command)
}

// QueueEvent identifies a queue lifecycle transition.
type QueueEvent int

const (
	SQCreated QueueEvent = iota
	SQDeleted
	CQCreated
	CQDeleted
)

func (e QueueEvent) String() string {
	switch e {
	case SQCreated:
		return "sq-created"
	case SQDeleted:
		return "sq-deleted"
	case CQCreated:
		return "cq-created"
	default:
		return "cq-deleted"
	}
}

// Observer receives queue events.
type Observer interface {
	ObserveQueue(event QueueEvent, qid uint16)
	ObserveCompletion(cqid uint16, status nvme.Status, latency time.Duration)
	ObserveCQFull(cqid uint16)
	ObserveInterrupt(vector uint16)
}

// PollPolicy tunes SQ polling and CQ retries.
type PollPolicy struct {
	// AdminInterval is the admin SQ re-poll interval.
	AdminInterval time.Duration
	// IOInterval is the I/O SQ re-poll interval once the spin window ends.
	IOInterval time.Duration
	// SpinWindow is how long an I/O SQ keeps polling before sleeping.
	SpinWindow time.Duration
	// SpinSleep is the pause between busy-poll iterations.
	SpinSleep time.Duration
	// CQRetry is the retry interval while a CQ is full.
	CQRetry time.Duration
}

// DefaultPollPolicy returns the default polling policy.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		AdminInterval: constants.AdminPollInterval,
		IOInterval:    constants.IOPollInterval,
		SpinWindow:    constants.IOSpinWindow,
		SpinSleep:     constants.IOSpinSleep,
		CQRetry:       constants.CQRetryInterval,
	}
}

// Config configures a Manager.
type Config struct {
	// NrQueues is the number of queue ids (admin included).
	NrQueues  int
	Memory    interfaces.HostMemory
	Doorbells Doorbells
	IRQ       IRQ
	// Ready reports whether the controller is ready. Pollers stop and
	// completions are discarded while it returns false.
	Ready    func() bool
	Poll     PollPolicy
	Observer Observer
	Logger   Logger
}

// Manager owns the queue arena, indexed by queue id.
type Manager struct {
	mem      interfaces.HostMemory
	db       Doorbells
	irq      IRQ
	ready    func() bool
	poll     PollPolicy
	observer Observer
	logger   Logger

	// mu serializes create and delete and guards reference counts.
	mu      sync.Mutex
	handler Handler
	ioSQES  int
	ioCQES  int
	sqs     []*SubmissionQueue
	cqs     []*CompletionQueue
}

// NewManager creates a manager with an empty arena.
func NewManager(config Config) *Manager {
	if config.Poll == (PollPolicy{}) {
		config.Poll = DefaultPollPolicy()
	}
	if config.Ready == nil {
		config.Ready = func() bool { return true }
	}

	m := &Manager{
		mem:      config.Memory,
		db:       config.Doorbells,
		irq:      config.IRQ,
		ready:    config.Ready,
		poll:     config.Poll,
		observer: config.Observer,
		logger:   config.Logger,
		ioSQES:   nvme.NVME_CMD_SIZE,
		ioCQES:   nvme.NVME_CQE_SIZE,
		sqs:      make([]*SubmissionQueue, config.NrQueues),
		cqs:      make([]*CompletionQueue, config.NrQueues),
	}
	for i := range m.sqs {
		m.sqs[i] = &SubmissionQueue{queueBase: queueBase{id: uint16(i)}, kick: make(chan struct{}, 1)}
		m.cqs[i] = &CompletionQueue{queueBase: queueBase{id: uint16(i)}, kick: make(chan struct{}, 1)}
	}
	return m
}

// SetHandler installs the command handler used by pollers started later.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetEntrySizes sets the I/O queue entry sizes negotiated in CC.
func (m *Manager) SetEntrySizes(sqes, cqes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ioSQES = sqes
	m.ioCQES = cqes
}

// NrQueues returns the arena size.
func (m *Manager) NrQueues() int { return len(m.sqs) }

// SQ returns the SQ slot for qid, or nil when qid is out of range.
func (m *Manager) SQ(qid uint16) *SubmissionQueue {
	if int(qid) >= len(m.sqs) {
		return nil
	}
	return m.sqs[qid]
}

// CQ returns the CQ slot for qid, or nil when qid is out of range.
func (m *Manager) CQ(qid uint16) *CompletionQueue {
	if int(qid) >= len(m.cqs) {
		return nil
	}
	return m.cqs[qid]
}

// SQRef returns the reference count of SQ qid.
func (m *Manager) SQRef(qid uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(qid) >= len(m.sqs) {
		return 0
	}
	return m.sqs[qid].ref
}

// CQRef returns the reference count of CQ qid.
func (m *Manager) CQRef(qid uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(qid) >= len(m.cqs) {
		return 0
	}
	return m.cqs[qid].ref
}

// IOQueuesExist reports whether any I/O SQ or CQ is created.
func (m *Manager) IOQueuesExist() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for qid := 1; qid < len(m.sqs); qid++ {
		if m.sqs[qid].ref > 0 || m.cqs[qid].ref > 0 {
			return true
		}
	}
	return false
}

func (m *Manager) event(e QueueEvent, qid uint16) {
	if m.observer != nil {
		m.observer.ObserveQueue(e, qid)
	}
	if m.logger != nil {
		m.logger.Debugf("queue %d: %s", qid, e)
	}
}

// CreateCQ creates CQ qid, or adds a reference when it already exists.
// size is zero-based.
func (m *Manager) CreateCQ(qid, flags, size, vector uint16, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(qid) >= len(m.cqs) {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "cq %d out of range", qid)
	}
	cq := m.cqs[qid]
	cq.ref++
	if cq.ref > 1 {
		return nil
	}

	cq.flags = flags
	cq.addr = addr
	cq.depth = uint32(size) + 1
	cq.vector = vector
	cq.entrySize = m.ioCQES
	if qid == 0 {
		cq.entrySize = nvme.NVME_ADM_CQES
	}
	cq.doorbell = nvme.CQDoorbell(qid)

	cq.mu.Lock()
	cq.head, cq.tail, cq.phase = 0, 0, 1
	cq.pending = nil
	cq.sqs = nil
	cq.mu.Unlock()

	m.db.Write32(cq.doorbell, 0)

	cq.stop = make(chan struct{})
	cq.done = make(chan struct{})
	cq.live.Store(true)
	go m.postLoop(cq)

	m.event(CQCreated, qid)
	return nil
}

// CreateSQ creates SQ qid bound to CQ cqid. size is zero-based. The poller
// is not started; call StartSQ.
func (m *Manager) CreateSQ(qid, cqid, flags, size uint16, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(qid) >= len(m.sqs) || m.sqs[qid].ref > 0 || m.sqs[qid].deleting {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "sq %d invalid or in use", qid)
	}
	if int(cqid) >= len(m.cqs) || m.cqs[cqid].ref == 0 {
		return nvme.Errorf(nvme.NVME_SC_CQ_INVALID, "cq %d not created", cqid)
	}

	sq := m.sqs[qid]
	sq.flags = flags
	sq.addr = addr
	sq.depth = uint32(size) + 1
	sq.cqid = cqid
	sq.entrySize = m.ioSQES
	if qid == 0 {
		sq.entrySize = nvme.NVME_ADM_SQES
	}
	sq.doorbell = nvme.SQDoorbell(qid)

	// The ring must be mappable before the SQ goes live.
	w, err := m.mem.Map(sq.addr, sq.ringSize())
	if err != nil {
		return nvme.WrapStatus(nvme.NVME_SC_INTERNAL, err, fmt.Sprintf("map sq %d ring", qid))
	}
	m.mem.Unmap(w)

	limit := int(sq.depth)
	if limit > constants.MaxWorkersPerSQ {
		limit = constants.MaxWorkersPerSQ
	}
	sq.workers = &errgroup.Group{}
	sq.workers.SetLimit(limit)
	sq.ctx, sq.cancel = context.WithCancel(context.Background())
	sq.done = nil
	sq.head.Store(0)
	sq.ref = 1

	cq := m.cqs[cqid]
	cq.ref++
	cq.mu.Lock()
	cq.sqs = append(cq.sqs, qid)
	cq.mu.Unlock()

	m.db.Write32(sq.doorbell, 0)
	sq.live.Store(true)

	m.event(SQCreated, qid)
	return nil
}

// StartSQ starts the poller of a created SQ.
func (m *Manager) StartSQ(qid uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(qid) >= len(m.sqs) || m.sqs[qid].ref == 0 {
		return fmt.Errorf("sq %d not created", qid)
	}
	sq := m.sqs[qid]
	if sq.done != nil {
		return nil
	}
	if m.handler == nil {
		return fmt.Errorf("sq %d: no command handler", qid)
	}
	sq.done = make(chan struct{})
	go m.pollLoop(sq, m.handler)
	return nil
}

// DeleteSQ drops the SQ reference. At zero the poller is stopped, commands
// still executing are waited for and discarded, and the CQ reference is
// released. The wait happens without holding the manager lock so a poller
// blocked in a queue operation can finish.
func (m *Manager) DeleteSQ(qid uint16) error {
	m.mu.Lock()
	if int(qid) >= len(m.sqs) || m.sqs[qid].ref == 0 {
		m.mu.Unlock()
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "sq %d not created", qid)
	}
	sq := m.sqs[qid]
	sq.ref--
	if sq.ref > 0 {
		m.mu.Unlock()
		return nil
	}
	sq.live.Store(false)
	sq.deleting = true
	sq.cancel()
	done, workers := sq.done, sq.workers
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	workers.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	cq := m.cqs[sq.cqid]
	cq.mu.Lock()
	for i, id := range cq.sqs {
		if id == qid {
			cq.sqs = append(cq.sqs[:i], cq.sqs[i+1:]...)
			break
		}
	}
	cq.mu.Unlock()
	m.releaseCQ(cq)
	sq.done = nil
	sq.deleting = false

	m.event(SQDeleted, qid)
	return nil
}

// DeleteCQ drops the CQ reference. The CQ is destroyed at zero.
func (m *Manager) DeleteCQ(qid uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(qid) >= len(m.cqs) || m.cqs[qid].ref == 0 {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "cq %d not created", qid)
	}
	m.releaseCQ(m.cqs[qid])
	return nil
}

// releaseCQ must be called with m.mu held.
func (m *Manager) releaseCQ(cq *CompletionQueue) {
	cq.ref--
	if cq.ref > 0 {
		return
	}

	cq.mu.Lock()
	cq.live.Store(false)
	dropped := cq.pending
	cq.pending = nil
	cq.mu.Unlock()

	close(cq.stop)
	<-cq.done
	for _, cmd := range dropped {
		cmd.Release()
	}
	if len(dropped) > 0 && m.logger != nil {
		m.logger.Printf("queue %d: dropped %d pending completions", cq.id, len(dropped))
	}

	m.event(CQDeleted, cq.id)
}

// Complete queues cmd for posting on its CQ. Commands whose SQ or CQ is no
// longer live, or that complete while the controller is not ready, are
// discarded without a completion.
func (m *Manager) Complete(cmd *Command) {
	if int(cmd.SQID) >= len(m.sqs) || int(cmd.CQID) >= len(m.cqs) {
		cmd.Release()
		return
	}
	sq, cq := m.sqs[cmd.SQID], m.cqs[cmd.CQID]
	if !m.ready() || !sq.live.Load() {
		cmd.Release()
		return
	}

	cq.mu.Lock()
	if !cq.live.Load() {
		cq.mu.Unlock()
		cmd.Release()
		return
	}
	cq.pending = append(cq.pending, cmd)
	cq.mu.Unlock()
	cq.wake()
}
