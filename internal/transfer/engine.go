// Package transfer moves command data between host memory segments and local
// staging buffers.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/constants"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// ErrTimeout is returned when a bulk copy does not finish in time.
var ErrTimeout = errors.New("bulk transfer timed out")

// Logger is the logging surface the engine needs.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives per-chunk transfer events.
type Observer interface {
	ObserveTransfer(bulk bool, bytes int, err error)
}

// Config configures an Engine.
type Config struct {
	Memory interfaces.HostMemory
	// Bulk is optional. Without it every segment is copied through the window.
	Bulk interfaces.BulkEngine
	// BulkThreshold is the segment size above which Bulk is used.
	BulkThreshold int
	// Timeout bounds each bulk copy.
	Timeout  time.Duration
	Observer Observer
	Logger   Logger
}

// Engine copies segments one at a time. A single lock serializes all
// segment copies in the process because the mapping windows are shared.
type Engine struct {
	mem       interfaces.HostMemory
	bulk      interfaces.BulkEngine
	threshold int
	timeout   time.Duration
	observer  Observer
	logger    Logger

	mu sync.Mutex
}

// New creates a transfer engine.
func New(cfg Config) *Engine {
	if cfg.BulkThreshold <= 0 {
		cfg.BulkThreshold = constants.BulkThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.BulkTimeout
	}
	return &Engine{
		mem:       cfg.Memory,
		bulk:      cfg.Bulk,
		threshold: cfg.BulkThreshold,
		timeout:   cfg.Timeout,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
	}
}

// HasBulk reports whether a bulk engine is configured.
func (e *Engine) HasBulk() bool {
	return e.bulk != nil
}

// Transfer copies buf to or from the ordered segments. The segment sizes must
// add up to len(buf). The first failing segment aborts the rest and is
// reported as a data transfer error.
func (e *Engine) Transfer(ctx context.Context, dir interfaces.Direction, segs []interfaces.Segment, buf []byte) error {
	if dir == interfaces.DirNone {
		return nil
	}

	total := 0
	for _, seg := range segs {
		total += seg.Size
	}
	if total != len(buf) {
		return nvme.Errorf(nvme.NVME_SC_INTERNAL, "segments cover %d bytes, buffer holds %d", total, len(buf))
	}

	off := 0
	for i, seg := range segs {
		if err := e.Segment(ctx, dir, seg, buf[off:off+seg.Size]); err != nil {
			if e.logger != nil {
				e.logger.Printf("transfer %s segment %d (%#x+%d) failed: %v", dir, i, seg.PCIAddr, seg.Size, err)
			}
			return nvme.WrapStatus(nvme.NVME_SC_DATA_XFER_ERROR, err, fmt.Sprintf("segment %d", i))
		}
		off += seg.Size
	}
	return nil
}

// Segment copies buf to or from one contiguous host range. Windows shorter
// than the segment are handled by mapping again for the remainder.
func (e *Engine) Segment(ctx context.Context, dir interfaces.Direction, seg interfaces.Segment, buf []byte) error {
	if len(buf) != seg.Size {
		return fmt.Errorf("segment size %d does not match buffer %d", seg.Size, len(buf))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	useBulk := e.bulk != nil && seg.Size > e.threshold
	done := 0
	for done < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr := seg.PCIAddr + uint64(done)
		w, err := e.mem.Map(addr, len(buf)-done)
		if err != nil {
			return fmt.Errorf("map %#x: %w", addr, err)
		}

		n := w.Size()
		if n > len(buf)-done {
			n = len(buf) - done
		}
		chunk := buf[done : done+n]

		if useBulk {
			err = e.bulkCopy(ctx, dir, w, chunk)
		} else {
			err = mmioCopy(dir, w, chunk)
		}
		if uerr := e.mem.Unmap(w); uerr != nil && err == nil {
			err = uerr
		}
		if e.observer != nil {
			e.observer.ObserveTransfer(useBulk, n, err)
		}
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

func mmioCopy(dir interfaces.Direction, w interfaces.Window, chunk []byte) error {
	switch dir {
	case interfaces.DirFromHost:
		return w.CopyFrom(chunk, 0)
	case interfaces.DirToHost:
		return w.CopyTo(0, chunk)
	}
	return fmt.Errorf("invalid transfer direction %d", dir)
}

func (e *Engine) bulkCopy(ctx context.Context, dir interfaces.Direction, w interfaces.Window, chunk []byte) error {
	op, err := e.bulk.Start(dir, w, chunk)
	if err != nil {
		return fmt.Errorf("start bulk copy: %w", err)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case err := <-op.Done():
		return err
	case <-timer.C:
		op.Cancel()
		if e.logger != nil {
			e.logger.Printf("bulk copy of %d bytes at %#x timed out after %v", len(chunk), w.PCIAddr(), e.timeout)
		}
		return ErrTimeout
	case <-ctx.Done():
		op.Cancel()
		return ctx.Err()
	}
}
