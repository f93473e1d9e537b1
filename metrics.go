package nvmepf

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/ctrl"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
	"github.com/ehrlich-b/go-nvmepf/internal/transfer"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// CommandClass groups opcodes for accounting
type CommandClass int

const (
	ClassAdmin CommandClass = iota
	ClassRead
	ClassWrite
	ClassFlush
	ClassWriteZeroes
	ClassDSM
	ClassOther
	numClasses
)

func (c CommandClass) String() string {
	switch c {
	case ClassAdmin:
		return "admin"
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	case ClassFlush:
		return "flush"
	case ClassWriteZeroes:
		return "write_zeroes"
	case ClassDSM:
		return "dsm"
	default:
		return "other"
	}
}

// ClassOf returns the accounting class of an opcode
func ClassOf(admin bool, opcode uint8) CommandClass {
	if admin {
		return ClassAdmin
	}
	switch opcode {
	case nvme.NVME_CMD_READ:
		return ClassRead
	case nvme.NVME_CMD_WRITE:
		return ClassWrite
	case nvme.NVME_CMD_FLUSH:
		return ClassFlush
	case nvme.NVME_CMD_WRITE_ZEROES:
		return ClassWriteZeroes
	case nvme.NVME_CMD_DSM:
		return ClassDSM
	default:
		return ClassOther
	}
}

// Metrics tracks command and transport statistics for an endpoint
type Metrics struct {
	// Per-class command counters
	Commands [numClasses]atomic.Uint64
	Errors   [numClasses]atomic.Uint64

	// Host data moved by successful reads and writes
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Completion path
	CompletionsPosted atomic.Uint64
	CQFull            atomic.Uint64
	Interrupts        atomic.Uint64

	// Transfer engine
	MMIOBytes        atomic.Uint64
	BulkBytes        atomic.Uint64
	TransferErrors   atomic.Uint64
	TransferTimeouts atomic.Uint64

	// Queue lifecycle
	QueuesCreated atomic.Uint64
	QueuesDeleted atomic.Uint64

	// Fetch-to-post latency
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // Endpoint start timestamp (UnixNano)
	StopTime  atomic.Int64 // Endpoint stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records an executed command
func (m *Metrics) RecordCommand(class CommandClass, bytes uint64, success bool) {
	m.Commands[class].Add(1)
	if !success {
		m.Errors[class].Add(1)
		return
	}
	switch class {
	case ClassRead:
		m.ReadBytes.Add(bytes)
	case ClassWrite:
		m.WriteBytes.Add(bytes)
	}
}

// RecordCompletion records a posted completion and its latency
func (m *Metrics) RecordCompletion(latencyNs uint64) {
	m.CompletionsPosted.Add(1)
	m.recordLatency(latencyNs)
}

// RecordTransfer records one transfer chunk
func (m *Metrics) RecordTransfer(bulk bool, bytes uint64, err error) {
	if err != nil {
		m.TransferErrors.Add(1)
		if errors.Is(err, transfer.ErrTimeout) {
			m.TransferTimeouts.Add(1)
		}
		return
	}
	if bulk {
		m.BulkBytes.Add(bytes)
	} else {
		m.MMIOBytes.Add(bytes)
	}
}

// recordLatency records latency and updates the histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the endpoint as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Commands [numClasses]uint64
	Errors   [numClasses]uint64

	ReadBytes  uint64
	WriteBytes uint64

	CompletionsPosted uint64
	CQFull            uint64
	Interrupts        uint64

	MMIOBytes        uint64
	BulkBytes        uint64
	TransferErrors   uint64
	TransferTimeouts uint64

	QueuesCreated uint64
	QueuesDeleted uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	TotalCommands  uint64
	TotalErrors    uint64
	IOPS           float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	ErrorRate      float64 // Percentage of failed commands
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadBytes:         m.ReadBytes.Load(),
		WriteBytes:        m.WriteBytes.Load(),
		CompletionsPosted: m.CompletionsPosted.Load(),
		CQFull:            m.CQFull.Load(),
		Interrupts:        m.Interrupts.Load(),
		MMIOBytes:         m.MMIOBytes.Load(),
		BulkBytes:         m.BulkBytes.Load(),
		TransferErrors:    m.TransferErrors.Load(),
		TransferTimeouts:  m.TransferTimeouts.Load(),
		QueuesCreated:     m.QueuesCreated.Load(),
		QueuesDeleted:     m.QueuesDeleted.Load(),
	}
	for c := CommandClass(0); c < numClasses; c++ {
		snap.Commands[c] = m.Commands[c].Load()
		snap.Errors[c] = m.Errors[c].Load()
		snap.TotalCommands += snap.Commands[c]
		snap.TotalErrors += snap.Errors[c]
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.IOPS = float64(snap.TotalCommands-snap.Commands[ClassAdmin]) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	if snap.TotalCommands > 0 {
		snap.ErrorRate = float64(snap.TotalErrors) / float64(snap.TotalCommands) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for c := CommandClass(0); c < numClasses; c++ {
		m.Commands[c].Store(0)
		m.Errors[c].Store(0)
	}
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.CompletionsPosted.Store(0)
	m.CQFull.Store(0)
	m.Interrupts.Store(0)
	m.MMIOBytes.Store(0)
	m.BulkBytes.Store(0)
	m.TransferErrors.Store(0)
	m.TransferTimeouts.Store(0)
	m.QueuesCreated.Store(0)
	m.QueuesDeleted.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives queue, command, completion and transfer events from the
// controller core
type Observer = ctrl.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveQueue(queue.QueueEvent, uint16)                {}
func (NoOpObserver) ObserveCompletion(uint16, nvme.Status, time.Duration) {}
func (NoOpObserver) ObserveCQFull(uint16)                                 {}
func (NoOpObserver) ObserveInterrupt(uint16)                              {}
func (NoOpObserver) ObserveCommand(bool, uint8, int, nvme.Status)         {}
func (NoOpObserver) ObserveTransfer(bool, int, error)                     {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveQueue(event queue.QueueEvent, qid uint16) {
	switch event {
	case queue.SQCreated, queue.CQCreated:
		o.metrics.QueuesCreated.Add(1)
	case queue.SQDeleted, queue.CQDeleted:
		o.metrics.QueuesDeleted.Add(1)
	}
}

func (o *MetricsObserver) ObserveCompletion(cqid uint16, status nvme.Status, latency time.Duration) {
	o.metrics.RecordCompletion(uint64(latency.Nanoseconds()))
}

func (o *MetricsObserver) ObserveCQFull(cqid uint16) {
	o.metrics.CQFull.Add(1)
}

func (o *MetricsObserver) ObserveInterrupt(vector uint16) {
	o.metrics.Interrupts.Add(1)
}

func (o *MetricsObserver) ObserveCommand(admin bool, opcode uint8, bytes int, status nvme.Status) {
	o.metrics.RecordCommand(ClassOf(admin, opcode), uint64(bytes), status.Success())
}

func (o *MetricsObserver) ObserveTransfer(bulk bool, bytes int, err error) {
	o.metrics.RecordTransfer(bulk, uint64(bytes), err)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
