package constants

import "time"

// Default configuration constants
const (
	// DefaultMDTS is the default maximum data transfer size in bytes (128KB)
	DefaultMDTS = 128 * 1024

	// MaxMDTS is the largest accepted maximum data transfer size (1MB)
	MaxMDTS = 1024 * 1024

	// MaxQueues is the most queues (admin included) the endpoint exposes
	MaxQueues = 16

	// MinQueues is one admin and one I/O queue
	MinQueues = 2

	// DefaultVendorID is reported in identify VID/SSVID unless overridden
	DefaultVendorID = 0x1b96

	// DefaultMaxQueueEntries is the CAP.MQES fallback (zero-based)
	DefaultMaxQueueEntries = 1023

	// MaxWorkersPerSQ bounds the concurrent commands of one I/O SQ
	MaxWorkersPerSQ = 256

	// BARSize is the register block size: registers plus 16 doorbell pairs, 4K aligned
	BARSize = 0x2000
)

// Timing constants for controller lifecycle and polling
const (
	// RegisterPollInterval is the interval CC is sampled at
	RegisterPollInterval = 5 * time.Millisecond

	// AdminPollInterval is the admin SQ re-poll interval
	AdminPollInterval = 5 * time.Millisecond

	// IOPollInterval is the I/O SQ re-poll interval after the spin window
	IOPollInterval = time.Millisecond

	// IOSpinWindow is how long an idle I/O SQ is busy-polled before sleeping
	IOSpinWindow = time.Millisecond

	// IOSpinSleep is the pause between busy-poll iterations
	IOSpinSleep = 2 * time.Microsecond

	// BulkTimeout bounds a single bulk copy
	BulkTimeout = time.Second

	// CQRetryInterval is the retry interval when a CQ is full
	CQRetryInterval = time.Millisecond
)

// Transfer constants
const (
	// BulkThreshold is the segment size above which the bulk engine is used
	BulkThreshold = 4096

	// PassthroughChunk is the chunk size of raw host memory pass-through
	PassthroughChunk = 64 * 1024
)
