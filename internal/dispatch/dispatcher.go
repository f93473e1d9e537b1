// Package dispatch executes host commands fetched from the emulated queues.
// Queue management and a few features are handled locally; everything else
// is forwarded to the backend controller, with the data stage moved to and
// from host memory around the backend call.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/prp"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
	"github.com/ehrlich-b/go-nvmepf/internal/transfer"
)

// Logger is the logging surface the dispatcher needs.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer is told about every command before its completion is queued.
type Observer interface {
	ObserveCommand(admin bool, opcode uint8, bytes int, status nvme.Status)
}

// Config configures a Dispatcher.
type Config struct {
	Backend  interfaces.Controller
	Queues   *queue.Manager
	Transfer *transfer.Engine

	// MDTS is the maximum data transfer size in bytes.
	MDTS int
	// NrVectors is the number of interrupt vectors a CQ may use.
	NrVectors int
	// MaxQueueEntries is CAP.MQES, the largest zero-based queue size.
	MaxQueueEntries int
	// VendorID is reported as VID and SSVID in identify controller data.
	VendorID uint16

	Observer Observer
	Logger   Logger

	// OnFatal is called when the backend controller is lost.
	OnFatal func(err error)
}

// Dispatcher implements queue.Handler.
type Dispatcher struct {
	backend    interfaces.Controller
	qm         *queue.Manager
	xfer       *transfer.Engine
	resolver   atomic.Pointer[prp.Resolver]
	mdts       int
	nrVectors  int
	maxEntries int
	vendorID   uint16
	observer   Observer
	logger     Logger
	onFatal    func(error)
}

// New creates a dispatcher. SetPageShift must be called before commands with
// data are handled.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		backend:    cfg.Backend,
		qm:         cfg.Queues,
		xfer:       cfg.Transfer,
		mdts:       cfg.MDTS,
		nrVectors:  cfg.NrVectors,
		maxEntries: cfg.MaxQueueEntries,
		vendorID:   cfg.VendorID,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		onFatal:    cfg.OnFatal,
	}
	if d.nrVectors <= 0 {
		d.nrVectors = 1
	}
	d.SetPageShift(nvme.NVME_PAGE_SHIFT)
	return d
}

// SetPageShift sets the host memory page size negotiated in CC.MPS.
func (d *Dispatcher) SetPageShift(shift uint) {
	d.resolver.Store(prp.NewResolver(d.xfer, shift))
}

// Handle runs on the SQ poller. Admin commands execute inline so the admin
// queue stays strictly ordered; I/O commands run on the SQ's execution
// context.
func (d *Dispatcher) Handle(sq *queue.SubmissionQueue, cmd *queue.Command) {
	if !cmd.Status.Success() {
		d.complete(cmd)
		return
	}
	if sq.ID() == 0 {
		d.admin(sq.Context(), cmd)
		return
	}
	d.io(sq, cmd)
}

func (d *Dispatcher) complete(cmd *queue.Command) {
	if d.observer != nil {
		d.observer.ObserveCommand(cmd.SQID == 0, cmd.Cmd.Opcode, len(cmd.Buffer), cmd.Status)
	}
	if !cmd.Status.Success() && d.logger != nil {
		name := nvme.IOOpcodeName(cmd.Cmd.Opcode)
		if cmd.SQID == 0 {
			name = nvme.AdminOpcodeName(cmd.Cmd.Opcode)
		}
		d.logger.Debugf("queue %d: cid %d %s failed: %s", cmd.SQID, cmd.Cmd.CommandID, name, cmd.Status)
	}
	d.qm.Complete(cmd)
}

// fail records the status carried by err.
func fail(cmd *queue.Command, err error) {
	if err != nil {
		cmd.SetStatus(nvme.StatusOf(err))
	}
}

// hook post-processes a successful backend response before it is copied to
// the host.
type hook func(cmd *queue.Command)

// exec runs the data stage and backend call of cmd. When local is set the
// backend is not called; only the host data stage runs.
func (d *Dispatcher) exec(ctx context.Context, cmd *queue.Command, dir interfaces.Direction, length int, post hook, local bool) {
	c := &cmd.Cmd

	if dir != interfaces.DirNone && length > 0 {
		if c.UsesSGL() {
			cmd.SetStatus(nvme.NVME_SC_INVALID_FIELD | nvme.NVME_STATUS_DNR)
			return
		}
		if length > d.mdts {
			cmd.SetStatus(nvme.NVME_SC_INVALID_FIELD | nvme.NVME_STATUS_DNR)
			return
		}

		cmd.Dir = dir
		cmd.AllocBuffer(length, cmd.SQID == 0)
		segs, err := d.resolver.Load().Resolve(ctx, c.PRP1, c.PRP2, length)
		if err != nil {
			fail(cmd, err)
			return
		}
		cmd.Segments = segs

		if dir == interfaces.DirFromHost {
			if err := d.xfer.Transfer(ctx, dir, segs, cmd.Buffer); err != nil {
				fail(cmd, err)
				return
			}
		}
	}

	if local {
		return
	}

	comp, err := d.backend.Submit(ctx, cmd.NS, c, cmd.Buffer)
	if err != nil {
		if d.logger != nil {
			d.logger.Printf("queue %d: cid %d backend: %v", cmd.SQID, c.CommandID, err)
		}
		if errors.Is(err, interfaces.ErrControllerLost) && d.onFatal != nil {
			d.onFatal(err)
		}
		cmd.SetStatus(nvme.NVME_SC_INTERNAL | nvme.NVME_STATUS_DNR)
		return
	}
	cmd.Result = comp.Result
	if !comp.Status.Success() {
		cmd.SetStatus(comp.Status)
		return
	}

	if post != nil {
		post(cmd)
	}

	if cmd.Dir == interfaces.DirToHost {
		fail(cmd, d.xfer.Transfer(ctx, cmd.Dir, cmd.Segments, cmd.Buffer))
	}
}

var _ queue.Handler = (*Dispatcher)(nil)
