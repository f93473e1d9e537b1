// Package ctrl implements the emulated controller: the register block, the
// CC.EN driven enable and disable sequences and link handling. It owns the
// queue manager, dispatcher and transfer engine of one endpoint function.
package ctrl

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/constants"
	"github.com/ehrlich-b/go-nvmepf/internal/dispatch"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
	"github.com/ehrlich-b/go-nvmepf/internal/transfer"
)

// Logger is the logging surface the controller needs.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives events from every component of the controller.
type Observer interface {
	queue.Observer
	dispatch.Observer
	transfer.Observer
}

// State is the controller lifecycle state.
type State int32

const (
	StateDisabled State = iota
	StateEnabling
	StateReady
	StateDisabling
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateReady:
		return "ready"
	case StateDisabling:
		return "disabling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Controller.
type Config struct {
	Backend   interfaces.Controller
	Registers *Registers
	Memory    interfaces.HostMemory

	// Bulk is the optional DMA-style copy engine.
	Bulk          interfaces.BulkEngine
	BulkThreshold int
	BulkTimeout   time.Duration

	Interrupter interfaces.Interrupter
	IRQType     interfaces.IRQType
	// IRQVectors is the number of MSI or MSI-X vectors available.
	IRQVectors int

	// MDTS is the maximum data transfer size in bytes.
	MDTS int
	// MaxQueues caps the queue count, admin queue included.
	MaxQueues int
	VendorID  uint16

	RegisterPoll time.Duration
	Poll         queue.PollPolicy

	Observer Observer
	Logger   Logger
}

// Controller is one emulated NVMe controller.
type Controller struct {
	backend interfaces.Controller
	regs    *Registers
	qm      *queue.Manager
	disp    *dispatch.Dispatcher
	xfer    *transfer.Engine
	irq     *irqLine
	logger  Logger

	nrQueues int
	interval time.Duration

	state atomic.Int32

	// enabled is the observed CC.EN; only the poll goroutine touches it.
	enabled bool

	// mu guards the link state and the poll goroutine.
	mu     sync.Mutex
	linkUp bool
	stop   chan struct{}
	done   chan struct{}

	fatal chan error
}

// QueueCount negotiates the number of queues (admin included): the backend's
// count, capped at maxQueues and, for MSI and MSI-X, at the vector count.
func QueueCount(backendQueues, maxQueues int, kind interfaces.IRQType, vectors int) int {
	n := backendQueues
	if maxQueues <= 0 || maxQueues > constants.MaxQueues {
		maxQueues = constants.MaxQueues
	}
	if n > maxQueues {
		n = maxQueues
	}
	if kind != interfaces.IRQTypeINTx && vectors < n {
		n = vectors
	}
	return n
}

// New binds a controller to its backend. The registers are initialized when
// the link comes up.
func New(cfg Config) (*Controller, error) {
	if cfg.Backend == nil || cfg.Registers == nil || cfg.Memory == nil {
		return nil, errors.New("ctrl: backend, registers and host memory are required")
	}

	nrQueues := QueueCount(cfg.Backend.QueueCount(), cfg.MaxQueues, cfg.IRQType, cfg.IRQVectors)
	if nrQueues < constants.MinQueues {
		return nil, fmt.Errorf("ctrl: %d queues available, need at least %d", nrQueues, constants.MinQueues)
	}
	if need := RegisterSize(nrQueues); cfg.Registers.Size() < need {
		return nil, fmt.Errorf("ctrl: register block of %#x bytes, need %#x", cfg.Registers.Size(), need)
	}
	if cfg.MDTS <= 0 {
		cfg.MDTS = constants.DefaultMDTS
	}
	if cfg.RegisterPoll <= 0 {
		cfg.RegisterPoll = constants.RegisterPollInterval
	}

	vectors := cfg.IRQVectors
	if cfg.IRQType == interfaces.IRQTypeINTx || vectors <= 0 {
		vectors = 1
	}

	c := &Controller{
		backend:  cfg.Backend,
		regs:     cfg.Registers,
		logger:   cfg.Logger,
		nrQueues: nrQueues,
		interval: cfg.RegisterPoll,
		fatal:    make(chan error, 1),
		irq:      &irqLine{irq: cfg.Interrupter, kind: cfg.IRQType, logger: cfg.Logger},
	}

	var (
		qobs queue.Observer
		dobs dispatch.Observer
		tobs transfer.Observer
	)
	if cfg.Observer != nil {
		qobs, dobs, tobs = cfg.Observer, cfg.Observer, cfg.Observer
	}
	var tlog transfer.Logger
	var qlog queue.Logger
	var dlog dispatch.Logger
	if cfg.Logger != nil {
		tlog, qlog, dlog = cfg.Logger, cfg.Logger, cfg.Logger
	}

	c.xfer = transfer.New(transfer.Config{
		Memory:        cfg.Memory,
		Bulk:          cfg.Bulk,
		BulkThreshold: cfg.BulkThreshold,
		Timeout:       cfg.BulkTimeout,
		Observer:      tobs,
		Logger:        tlog,
	})
	c.qm = queue.NewManager(queue.Config{
		NrQueues:  nrQueues,
		Memory:    cfg.Memory,
		Doorbells: cfg.Registers,
		IRQ:       c.irq,
		Ready:     c.Ready,
		Poll:      cfg.Poll,
		Observer:  qobs,
		Logger:    qlog,
	})
	c.disp = dispatch.New(dispatch.Config{
		Backend:         cfg.Backend,
		Queues:          c.qm,
		Transfer:        c.xfer,
		MDTS:            cfg.MDTS,
		NrVectors:       vectors,
		MaxQueueEntries: int(nvme.CAPMQES(c.capability())),
		VendorID:        cfg.VendorID,
		Observer:        dobs,
		Logger:          dlog,
		OnFatal:         c.onFatal,
	})
	c.qm.SetHandler(c.disp)

	return c, nil
}

// capability derives the CAP register from the backend's.
func (c *Controller) capability() uint64 {
	caps := c.backend.Cap()
	caps |= nvme.NVME_CAP_CQR
	caps &^= nvme.NVME_CAP_DSTRD_MASK | nvme.NVME_CAP_NSSRS | nvme.NVME_CAP_BPS |
		nvme.NVME_CAP_PMRS | nvme.NVME_CAP_CMBS
	// Only 4 KiB pages.
	caps &^= nvme.NVME_CAP_MPSMIN_MASK | nvme.NVME_CAP_MPSMAX_MASK
	if nvme.CAPMQES(caps) == 0 {
		caps |= uint64(constants.DefaultMaxQueueEntries)
	}
	return caps
}

func (c *Controller) initRegisters() {
	c.regs.Write64(nvme.NVME_REG_CAP, c.capability())
	c.regs.Write32(nvme.NVME_REG_VS, c.backend.Version())
	c.regs.Write32(nvme.NVME_REG_CC, c.backend.ControllerConfig()&^nvme.NVME_CC_ENABLE)
	c.regs.Write32(nvme.NVME_REG_CSTS, 0)
}

// State returns the lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Ready reports whether the controller is in the ready state.
func (c *Controller) Ready() bool { return c.State() == StateReady }

// NrQueues returns the negotiated queue count, admin queue included.
func (c *Controller) NrQueues() int { return c.nrQueues }

// Queues returns the queue manager.
func (c *Controller) Queues() *queue.Manager { return c.qm }

// Transfer returns the transfer engine.
func (c *Controller) Transfer() *transfer.Engine { return c.xfer }

// Registers returns the register block.
func (c *Controller) Registers() *Registers { return c.regs }

// LinkUp initializes the registers and starts watching CC.
func (c *Controller) LinkUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.linkUp {
		return
	}
	c.linkUp = true
	c.initRegisters()

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.pollLoop(c.stop, c.done)

	if c.logger != nil {
		c.logger.Debugf("link up: %d queues", c.nrQueues)
	}
}

// LinkDown stops watching CC and disables the controller.
func (c *Controller) LinkDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.linkUp {
		return
	}
	c.linkUp = false
	close(c.stop)
	<-c.done

	if c.State() != StateDisabled || c.qm.CQRef(0) > 0 {
		c.disable(false)
	}
	c.enabled = false

	if c.logger != nil {
		c.logger.Debugf("link down")
	}
}

// IsLinkUp reports whether the link is up.
func (c *Controller) IsLinkUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkUp
}

func (c *Controller) onFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Controller) pollLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case err := <-c.fatal:
			if c.State() == StateReady {
				if c.logger != nil {
					c.logger.Printf("backend lost, disabling: %v", err)
				}
				c.disable(false)
				c.regs.Write32(nvme.NVME_REG_CSTS, c.regs.Read32(nvme.NVME_REG_CSTS)|nvme.NVME_CSTS_CFS)
			}
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *Controller) poll() {
	cc := c.regs.Read32(nvme.NVME_REG_CC)

	if !c.enabled {
		if cc&nvme.NVME_CC_ENABLE != 0 && cc&nvme.NVME_CC_SHN_MASK == 0 {
			c.enabled = true
			c.enable(cc)
		}
		return
	}

	if cc&nvme.NVME_CC_ENABLE == 0 || cc&nvme.NVME_CC_SHN_MASK != 0 {
		c.disable(cc&nvme.NVME_CC_SHN_MASK != 0)
		c.enabled = false
	}
}

func (c *Controller) enable(cc uint32) {
	c.state.Store(int32(StateEnabling))

	fail := func(format string, args ...interface{}) {
		if c.logger != nil {
			c.logger.Printf("enable: "+format, args...)
		}
		c.state.Store(int32(StateDisabled))
	}

	sqes, cqes := nvme.CCIOSQES(cc), nvme.CCIOCQES(cc)
	if sqes < nvme.NVME_MIN_IO_SQES || cqes < nvme.NVME_MIN_IO_CQES {
		fail("i/o entry sizes %d/%d too small", sqes, cqes)
		return
	}
	if shift := nvme.CCPageShift(cc); shift != nvme.NVME_PAGE_SHIFT {
		fail("page size %d not supported", 1<<shift)
		return
	}

	aqa := c.regs.Read32(nvme.NVME_REG_AQA)
	asqs := uint16(aqa & nvme.NVME_AQA_ASQS_MASK)
	acqs := uint16((aqa >> nvme.NVME_AQA_ACQS_SHIFT) & nvme.NVME_AQA_ACQS_MASK)
	asq := c.regs.Read64(nvme.NVME_REG_ASQ)
	acq := c.regs.Read64(nvme.NVME_REG_ACQ)
	if asqs == 0 || acqs == 0 {
		fail("admin queue sizes %d/%d", asqs, acqs)
		return
	}

	c.qm.SetEntrySizes(sqes, cqes)
	c.disp.SetPageShift(nvme.CCPageShift(cc))

	if err := c.qm.CreateCQ(0, nvme.NVME_QUEUE_PHYS_CONTIG|nvme.NVME_CQ_IRQ_ENABLED, acqs, 0, acq); err != nil {
		fail("admin cq: %v", err)
		return
	}
	if err := c.qm.CreateSQ(0, 0, nvme.NVME_QUEUE_PHYS_CONTIG, asqs, asq); err != nil {
		c.qm.DeleteCQ(0)
		fail("admin sq: %v", err)
		return
	}

	c.state.Store(int32(StateReady))
	if err := c.qm.StartSQ(0); err != nil {
		c.teardown()
		fail("admin sq: %v", err)
		return
	}

	csts := c.regs.Read32(nvme.NVME_REG_CSTS)
	csts &^= nvme.NVME_CSTS_SHST_MASK | nvme.NVME_CSTS_CFS
	c.regs.Write32(nvme.NVME_REG_CSTS, csts|nvme.NVME_CSTS_RDY)

	if c.logger != nil {
		c.logger.Debugf("enabled: admin sq %d@%#x cq %d@%#x", asqs+1, asq, acqs+1, acq)
	}
}

// disable tears the queues down and clears CSTS.RDY. With shutdown set it
// also reports the shutdown as complete.
func (c *Controller) disable(shutdown bool) {
	c.state.Store(int32(StateDisabling))
	c.teardown()

	csts := c.regs.Read32(nvme.NVME_REG_CSTS) &^ nvme.NVME_CSTS_RDY
	if shutdown {
		csts = csts&^nvme.NVME_CSTS_SHST_MASK | nvme.NVME_CSTS_SHST_CMPLT
	}
	c.state.Store(int32(StateDisabled))
	c.regs.Write32(nvme.NVME_REG_CSTS, csts)

	if c.logger != nil {
		c.logger.Debugf("disabled (shutdown %v)", shutdown)
	}
}

// teardown deletes I/O SQs, then I/O CQs, then the admin SQ and finally the
// admin CQ. An SQ holds a reference on its CQ, so the order matters.
func (c *Controller) teardown() {
	c.deleteIOQueues()
	for c.qm.SQRef(0) > 0 {
		c.qm.DeleteSQ(0)
	}
	// The admin poller may have created queues while the first pass ran.
	if c.qm.IOQueuesExist() {
		c.deleteIOQueues()
	}
	for c.qm.CQRef(0) > 0 {
		c.qm.DeleteCQ(0)
	}
}

func (c *Controller) deleteIOQueues() {
	for qid := 1; qid < c.nrQueues; qid++ {
		for c.qm.SQRef(uint16(qid)) > 0 {
			c.qm.DeleteSQ(uint16(qid))
		}
	}
	for qid := 1; qid < c.nrQueues; qid++ {
		for c.qm.CQRef(uint16(qid)) > 0 {
			c.qm.DeleteCQ(uint16(qid))
		}
	}
}
