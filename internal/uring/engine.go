// Package uring provides an io_uring backed bulk copy engine. It moves
// segment data with read/write requests against the descriptor of a
// file-backed host memory mapping, standing in for a DMA channel.
package uring

import (
	"errors"
	"time"
)

// ErrCanceled is delivered by a copy that was canceled before completing.
var ErrCanceled = errors.New("io_uring copy canceled")

// ErrUnsupported is returned where io_uring is not available.
var ErrUnsupported = errors.New("io_uring bulk engine not supported on this platform")

// Config contains configuration for creating an engine
type Config struct {
	Entries uint32 // Number of entries in the ring
	FD      int    // Descriptor of the file backing host memory
	Base    uint64 // PCI address at file offset 0
	// PollInterval is how often an in-flight copy checks for cancellation.
	PollInterval time.Duration
}

const defaultPollInterval = 10 * time.Millisecond
