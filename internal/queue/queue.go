package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// queueBase holds the attributes shared by SQs and CQs. Fields other than
// live are written only under Manager.mu while the queue is not live; ref
// is read and written only under Manager.mu.
type queueBase struct {
	id        uint16
	flags     uint16
	addr      uint64
	depth     uint32
	entrySize int
	doorbell  int
	ref       int
	live      atomic.Bool
}

// ID returns the queue identifier.
func (q *queueBase) ID() uint16 { return q.id }

// Depth returns the number of ring slots (requested size + 1).
func (q *queueBase) Depth() int { return int(q.depth) }

// Live reports whether the queue is created and not being torn down.
func (q *queueBase) Live() bool { return q.live.Load() }

func (q *queueBase) ringSize() int { return int(q.depth) * q.entrySize }

// SubmissionQueue is a host submission ring polled by its own goroutine.
type SubmissionQueue struct {
	queueBase
	cqid uint16

	// head is the next slot to fetch. The poller owns it; posters read it
	// for the SQ head field of completions.
	head atomic.Uint32

	ctx      context.Context
	cancel   context.CancelFunc
	kick     chan struct{}
	done     chan struct{}
	workers  *errgroup.Group
	deleting bool
}

// CQID returns the completion queue the SQ is bound to.
func (sq *SubmissionQueue) CQID() uint16 { return sq.cqid }

// Head returns the current SQ head.
func (sq *SubmissionQueue) Head() uint32 { return sq.head.Load() }

// Context is canceled when the SQ is deleted.
func (sq *SubmissionQueue) Context() context.Context { return sq.ctx }

// Go runs fn on the SQ's execution context. It blocks while the SQ's
// worker limit is reached.
func (sq *SubmissionQueue) Go(fn func()) {
	sq.workers.Go(func() error {
		fn()
		return nil
	})
}

// Kick wakes the poller early.
func (sq *SubmissionQueue) Kick() {
	select {
	case sq.kick <- struct{}{}:
	default:
	}
}

// CompletionQueue is a host completion ring. Completions are posted by its
// poster goroutine in the order they were queued.
type CompletionQueue struct {
	queueBase
	vector uint16

	// mu protects the ring state and the pending list.
	mu      sync.Mutex
	head    uint32
	tail    uint32
	phase   uint8
	pending []*Command
	sqs     []uint16

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Vector returns the interrupt vector of the CQ.
func (cq *CompletionQueue) Vector() uint16 { return cq.vector }

// CQState is a snapshot of a CQ's ring state.
type CQState struct {
	Head    uint32
	Tail    uint32
	Phase   uint8
	Pending int
}

// State returns a snapshot of the ring state.
func (cq *CompletionQueue) State() CQState {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return CQState{Head: cq.head, Tail: cq.tail, Phase: cq.phase, Pending: len(cq.pending)}
}

func (cq *CompletionQueue) wake() {
	select {
	case cq.kick <- struct{}{}:
	default:
	}
}

// full reports whether posting one more entry would overwrite an entry the
// host has not consumed.
func (cq *CompletionQueue) full() bool {
	return cq.head == (cq.tail+1)%cq.depth
}
