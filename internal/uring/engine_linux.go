//go:build linux

package uring

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/logging"
)

// Engine issues one io_uring read or write per bulk copy. The ring is only
// touched by the goroutine that owns the in-flight copy.
type Engine struct {
	ring   *giouring.Ring
	fd     int
	base   uint64
	poll   time.Duration
	mu     sync.Mutex
	nextID uint64
	closed bool
}

// NewEngine creates an io_uring engine over the host memory descriptor.
func NewEngine(config Config) (*Engine, error) {
	logger := logging.Default()
	if config.Entries == 0 {
		config.Entries = 8
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	logger.Debug("creating io_uring bulk engine", "entries", config.Entries, "fd", config.FD)

	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, fmt.Errorf("create io_uring: %w", err)
	}

	return &Engine{
		ring: ring,
		fd:   config.FD,
		base: config.Base,
		poll: config.PollInterval,
	}, nil
}

// Close releases the ring. Copies must not be in flight.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		e.ring.QueueExit()
	}
	return nil
}

type ringOp struct {
	done    chan error
	cancel  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (op *ringOp) Done() <-chan error { return op.done }

// Cancel requests cancellation and waits for the owning goroutine to reap
// the request, after which the buffer and window are no longer used.
func (op *ringOp) Cancel() {
	op.once.Do(func() { close(op.cancel) })
	<-op.stopped
}

// Start submits the copy and returns immediately.
func (e *Engine) Start(dir interfaces.Direction, w interfaces.Window, buf []byte) (interfaces.BulkOp, error) {
	if len(buf) == 0 || len(buf) > w.Size() {
		return nil, fmt.Errorf("io_uring copy of %d bytes into %d byte window", len(buf), w.Size())
	}
	if dir != interfaces.DirFromHost && dir != interfaces.DirToHost {
		return nil, fmt.Errorf("invalid transfer direction %d", dir)
	}
	if w.PCIAddr() < e.base {
		return nil, fmt.Errorf("window %#x below host memory base %#x", w.PCIAddr(), e.base)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("io_uring engine closed")
	}
	e.nextID++
	id := e.nextID

	sqe := e.ring.GetSQE()
	if sqe == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("io_uring submission queue full")
	}
	off := w.PCIAddr() - e.base
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	if dir == interfaces.DirFromHost {
		sqe.PrepareRead(e.fd, ptr, uint32(len(buf)), off)
	} else {
		sqe.PrepareWrite(e.fd, ptr, uint32(len(buf)), off)
	}
	sqe.UserData = id
	if _, err := e.ring.Submit(); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("submit io_uring copy: %w", err)
	}

	op := &ringOp{
		done:    make(chan error, 1),
		cancel:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go e.reap(op, id, buf)
	return op, nil
}

// reap owns the ring until the request completes. The engine lock is held
// for the whole copy; transfers are serialized by the caller anyway.
func (e *Engine) reap(op *ringOp, id uint64, buf []byte) {
	defer e.mu.Unlock()
	defer close(op.stopped)
	defer runtime.KeepAlive(buf)

	ts := syscall.NsecToTimespec(e.poll.Nanoseconds())
	canceled := false
	for {
		select {
		case <-op.cancel:
			if !canceled {
				canceled = true
				if sqe := e.ring.GetSQE(); sqe != nil {
					sqe.PrepareCancel64(id, 0)
					sqe.UserData = ^id
					e.ring.Submit()
				}
			}
		default:
		}

		cqe, err := e.ring.WaitCQETimeout(&ts)
		if err != nil {
			if errors.Is(err, syscall.ETIME) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			op.done <- fmt.Errorf("wait io_uring completion: %w", err)
			return
		}
		userData, res := cqe.UserData, cqe.Res
		e.ring.CQESeen(cqe)
		if userData != id {
			// completion of our own cancel request
			continue
		}

		switch {
		case canceled && res < 0:
			op.done <- ErrCanceled
		case res < 0:
			op.done <- fmt.Errorf("io_uring copy: %w", syscall.Errno(-res))
		case int(res) != len(buf):
			op.done <- fmt.Errorf("io_uring short copy: %d of %d bytes", res, len(buf))
		default:
			op.done <- nil
		}
		return
	}
}

var _ interfaces.BulkEngine = (*Engine)(nil)
