package hostmem

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// ErrCanceled is delivered by a bulk copy that was canceled before it ran.
var ErrCanceled = errors.New("bulk copy canceled")

// CopyEngine is a bulk engine that copies through the window on its own
// goroutine, standing in for a DMA channel.
type CopyEngine struct {
	// Delay postpones every copy. Tests use it to force timeouts.
	Delay time.Duration

	started  atomic.Uint64
	canceled atomic.Uint64
}

// Started returns the number of copies started.
func (e *CopyEngine) Started() uint64 { return e.started.Load() }

// Canceled returns the number of copies canceled before completing.
func (e *CopyEngine) Canceled() uint64 { return e.canceled.Load() }

type copyOp struct {
	done    chan error
	cancel  chan struct{}
	once    sync.Once
	running sync.Mutex
}

func (op *copyOp) Done() <-chan error { return op.done }

// Cancel stops the copy. Once it returns the window is no longer touched.
func (op *copyOp) Cancel() {
	op.once.Do(func() { close(op.cancel) })
	op.running.Lock()
	op.running.Unlock()
}

// Start launches the copy. The window must stay mapped until Done fires or
// Cancel returns.
func (e *CopyEngine) Start(dir interfaces.Direction, w interfaces.Window, buf []byte) (interfaces.BulkOp, error) {
	if len(buf) > w.Size() {
		return nil, errors.New("bulk copy larger than window")
	}
	e.started.Add(1)

	op := &copyOp{
		done:   make(chan error, 1),
		cancel: make(chan struct{}),
	}
	go func() {
		if e.Delay > 0 {
			t := time.NewTimer(e.Delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-op.cancel:
				e.canceled.Add(1)
				op.done <- ErrCanceled
				return
			}
		}
		op.running.Lock()
		defer op.running.Unlock()
		select {
		case <-op.cancel:
			e.canceled.Add(1)
			op.done <- ErrCanceled
			return
		default:
		}

		var err error
		switch dir {
		case interfaces.DirFromHost:
			err = w.CopyFrom(buf, 0)
		case interfaces.DirToHost:
			err = w.CopyTo(0, buf)
		}
		op.done <- err
	}()
	return op, nil
}

var _ interfaces.BulkEngine = (*CopyEngine)(nil)
