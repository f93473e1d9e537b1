// Package nvmepf emulates an NVMe PCIe controller on the endpoint side of a
// PCI link and forwards the commands it accepts to a backend controller.
package nvmepf

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/constants"
	"github.com/ehrlich-b/go-nvmepf/internal/ctrl"
	"github.com/ehrlich-b/go-nvmepf/internal/logging"
	"github.com/ehrlich-b/go-nvmepf/internal/passthrough"
)

// Endpoint is one emulated NVMe endpoint function
type Endpoint struct {
	// Name identifies the endpoint in logs and metrics
	Name string

	// Backend is the controller commands are forwarded to
	Backend Controller

	ctrl   *ctrl.Controller
	regs   *ctrl.Registers
	pass   *passthrough.Passthrough
	params Params
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool

	// Metrics and observability
	metrics  *Metrics
	observer Observer
}

// Params contains parameters for creating an endpoint
type Params struct {
	// Backend services forwarded commands
	Backend Controller

	// HostMemory maps windows of the host's PCI address space
	HostMemory HostMemory

	// Bulk is the optional DMA-style copy engine
	Bulk          BulkEngine
	BulkThreshold int           // Segment size above which Bulk is used (default: 4K)
	BulkTimeout   time.Duration // Bound on one bulk copy (default: 1s)

	// Interrupts
	Interrupter Interrupter
	IRQType     IRQType
	IRQVectors  int // MSI or MSI-X vectors available

	// Controller attributes
	MDTS      int    // Maximum data transfer size in bytes (default: 128K)
	MaxQueues int    // Queue cap, admin queue included (default: 16)
	VendorID  uint16 // Reported as VID and SSVID

	// RegisterPath backs the register block with a shared file mapping.
	// Empty means heap memory, reachable through Endpoint.Registers.
	RegisterPath string
	RegisterSize int // BAR size (default: registers plus 16 doorbell pairs)

	// Polling
	RegisterPoll time.Duration // CC sampling interval
	Poll         PollPolicy
}

// DefaultParams returns default endpoint parameters
func DefaultParams(backend Controller, mem HostMemory) Params {
	return Params{
		Backend:       backend,
		HostMemory:    mem,
		BulkThreshold: constants.BulkThreshold,
		BulkTimeout:   constants.BulkTimeout,
		IRQType:       IRQTypeMSIX,
		IRQVectors:    constants.MaxQueues,
		MDTS:          constants.DefaultMDTS,
		MaxQueues:     constants.MaxQueues,
		VendorID:      constants.DefaultVendorID,
		RegisterPoll:  constants.RegisterPollInterval,
		Poll:          DefaultPollPolicy(),
	}
}

// Options contains additional options for endpoint creation
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Name identifies the endpoint (default: "nvmepf")
	Name string

	// Logger for debug/info messages (if nil, uses the default logger)
	Logger Logger

	// Observer for metrics collection (if nil, records into Endpoint.Metrics)
	Observer Observer
}

func (p *Params) validate() error {
	if p.Backend == nil {
		return NewError("NEW", ErrCodeInvalidParameters, "backend controller is required")
	}
	if p.HostMemory == nil {
		return NewError("NEW", ErrCodeInvalidParameters, "host memory is required")
	}
	if p.MDTS == 0 {
		p.MDTS = constants.DefaultMDTS
	}
	if p.MDTS < 4096 || p.MDTS > constants.MaxMDTS || bits.OnesCount(uint(p.MDTS)) != 1 {
		return NewError("NEW", ErrCodeInvalidParameters,
			fmt.Sprintf("mdts %d must be a power of two between 4K and %d", p.MDTS, constants.MaxMDTS))
	}
	if p.MaxQueues > constants.MaxQueues {
		return NewError("NEW", ErrCodeInvalidParameters,
			fmt.Sprintf("max queues %d exceeds %d", p.MaxQueues, constants.MaxQueues))
	}
	if p.RegisterSize != 0 && p.RegisterSize < ctrl.RegisterSize(constants.MaxQueues) {
		return NewError("NEW", ErrCodeInvalidParameters,
			fmt.Sprintf("register block of %d bytes cannot hold %d doorbell pairs", p.RegisterSize, constants.MaxQueues))
	}
	if p.IRQType != IRQTypeINTx && p.IRQVectors <= 0 {
		return NewError("NEW", ErrCodeInvalidParameters, fmt.Sprintf("%s needs at least one vector", p.IRQType))
	}
	return nil
}

// New binds an endpoint to its backend controller. The endpoint does nothing
// until Start brings the link up.
//
// Example:
//
//	mem := hostmem.New(hostmem.Config{Base: 0x80000000, Size: 64 << 20})
//	params := nvmepf.DefaultParams(loop, mem)
//	ep, err := nvmepf.New(params, nil)
//	err = ep.Start()
func New(params Params, options *Options) (*Endpoint, error) {
	if options == nil {
		options = &Options{}
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}

	name := options.Name
	if name == "" {
		name = "nvmepf"
	}

	var logger Logger = options.Logger
	if logger == nil {
		logger = logging.Default().WithEndpoint(name)
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	var regs *ctrl.Registers
	size := params.RegisterSize
	if size == 0 {
		size = ctrl.RegisterSize(constants.MaxQueues)
	}
	if params.RegisterPath != "" {
		var err error
		regs, err = ctrl.OpenRegisterFile(params.RegisterPath, size)
		if err != nil {
			return nil, WrapError("OPEN_REGISTERS", err)
		}
	} else {
		regs = ctrl.NewRegisters(size)
	}

	c, err := ctrl.New(ctrl.Config{
		Backend:       params.Backend,
		Registers:     regs,
		Memory:        params.HostMemory,
		Bulk:          params.Bulk,
		BulkThreshold: params.BulkThreshold,
		BulkTimeout:   params.BulkTimeout,
		Interrupter:   params.Interrupter,
		IRQType:       params.IRQType,
		IRQVectors:    params.IRQVectors,
		MDTS:          params.MDTS,
		MaxQueues:     params.MaxQueues,
		VendorID:      params.VendorID,
		RegisterPoll:  params.RegisterPoll,
		Poll:          params.Poll,
		Observer:      observer,
		Logger:        logger,
	})
	if err != nil {
		regs.Close()
		e := WrapError("NEW", err)
		e.Code = ErrCodeInvalidParameters
		return nil, e
	}

	ep := &Endpoint{
		Name:     name,
		Backend:  params.Backend,
		ctrl:     c,
		regs:     regs,
		params:   params,
		logger:   logger,
		metrics:  metrics,
		observer: observer,
	}
	ep.pass = passthrough.New(passthrough.Config{
		Transfer: c.Transfer(),
		LinkUp:   c.IsLinkUp,
	})
	ep.ctx, ep.cancel = context.WithCancel(ctx)

	logger.Debugf("endpoint %s bound: %d queues, mdts %d", name, c.NrQueues(), params.MDTS)
	return ep, nil
}

// Start brings the link up and serves the host until Stop is called or the
// endpoint's context is canceled.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return NewError("START", ErrCodeNotReady, "endpoint stopped")
	}
	if e.started {
		return nil
	}
	e.started = true
	e.metrics.StartTime.Store(time.Now().UnixNano())
	e.ctrl.LinkUp()

	go func() {
		<-e.ctx.Done()
		e.Stop()
	}()

	e.logger.Printf("endpoint %s started with %d queues", e.Name, e.ctrl.NrQueues())
	return nil
}

// Stop disables the controller, drops the link and releases the register
// block. It is safe to call more than once.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true
	e.cancel()

	e.ctrl.LinkDown()
	e.metrics.Stop()

	if err := e.regs.Close(); err != nil {
		return WrapError("STOP", err)
	}
	e.logger.Printf("endpoint %s stopped", e.Name)
	return nil
}

// LinkUp reports a PCI link-up event. Registers are re-initialized and CC
// polling resumes.
func (e *Endpoint) LinkUp() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return NewError("LINK_UP", ErrCodeNotReady, "endpoint stopped")
	}
	e.ctrl.LinkUp()
	return nil
}

// LinkDown reports a PCI link-down event. The controller is disabled.
func (e *Endpoint) LinkDown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		e.ctrl.LinkDown()
	}
}

// HostReadAt reads raw host PCI address space. It fails while the link is
// down.
func (e *Endpoint) HostReadAt(ctx context.Context, p []byte, addr uint64) (int, error) {
	n, err := e.pass.ReadAt(ctx, p, addr)
	if err != nil {
		return n, WrapError("HOST_READ", err)
	}
	return n, nil
}

// HostWriteAt writes raw host PCI address space. It fails while the link is
// down.
func (e *Endpoint) HostWriteAt(ctx context.Context, p []byte, addr uint64) (int, error) {
	n, err := e.pass.WriteAt(ctx, p, addr)
	if err != nil {
		return n, WrapError("HOST_WRITE", err)
	}
	return n, nil
}

// Registers returns the register block the host programs.
func (e *Endpoint) Registers() *ctrl.Registers {
	return e.regs
}

// EndpointState represents the current state of an endpoint
type EndpointState string

const (
	EndpointStateCreated   EndpointState = "created"
	EndpointStateLinkDown  EndpointState = "link-down"
	EndpointStateDisabled  EndpointState = "disabled"
	EndpointStateEnabling  EndpointState = "enabling"
	EndpointStateReady     EndpointState = "ready"
	EndpointStateDisabling EndpointState = "disabling"
	EndpointStateStopped   EndpointState = "stopped"
)

// State returns the current state of the endpoint
func (e *Endpoint) State() EndpointState {
	if e == nil {
		return EndpointStateStopped
	}
	e.mu.Lock()
	started, stopped := e.started, e.stopped
	e.mu.Unlock()

	switch {
	case stopped:
		return EndpointStateStopped
	case !started:
		return EndpointStateCreated
	case !e.ctrl.IsLinkUp():
		return EndpointStateLinkDown
	}
	switch e.ctrl.State() {
	case ctrl.StateEnabling:
		return EndpointStateEnabling
	case ctrl.StateReady:
		return EndpointStateReady
	case ctrl.StateDisabling:
		return EndpointStateDisabling
	default:
		return EndpointStateDisabled
	}
}

// IsReady returns true if the host enabled the controller and it reported
// CSTS.RDY
func (e *Endpoint) IsReady() bool {
	return e.State() == EndpointStateReady
}

// NumQueues returns the negotiated queue count, admin queue included
func (e *Endpoint) NumQueues() int {
	return e.ctrl.NrQueues()
}

// EndpointInfo contains comprehensive information about an endpoint
type EndpointInfo struct {
	Name          string        `json:"name"`
	State         EndpointState `json:"state"`
	LinkUp        bool          `json:"link_up"`
	NumQueues     int           `json:"num_queues"`
	IOQueues      bool          `json:"io_queues"`
	MDTS          int           `json:"mdts"`
	IRQType       string        `json:"irq_type"`
	IRQVectors    int           `json:"irq_vectors"`
	RegisterSize  int           `json:"register_size"`
	BulkTransfers bool          `json:"bulk_transfers"`
	VendorID      uint16        `json:"vendor_id"`
}

// Info returns comprehensive information about the endpoint
func (e *Endpoint) Info() EndpointInfo {
	if e == nil {
		return EndpointInfo{}
	}
	return EndpointInfo{
		Name:          e.Name,
		State:         e.State(),
		LinkUp:        e.ctrl.IsLinkUp(),
		NumQueues:     e.ctrl.NrQueues(),
		IOQueues:      e.ctrl.Queues().IOQueuesExist(),
		MDTS:          e.params.MDTS,
		IRQType:       e.params.IRQType.String(),
		IRQVectors:    e.params.IRQVectors,
		RegisterSize:  e.regs.Size(),
		BulkTransfers: e.ctrl.Transfer().HasBulk(),
		VendorID:      e.params.VendorID,
	}
}

// Metrics returns the live metrics of the endpoint
func (e *Endpoint) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of endpoint metrics
func (e *Endpoint) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{}
	}
	return e.metrics.Snapshot()
}
