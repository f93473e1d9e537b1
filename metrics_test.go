package nvmepf

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
	"github.com/ehrlich-b/go-nvmepf/internal/transfer"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalCommands != 0 {
		t.Errorf("Expected 0 initial commands, got %d", snap.TotalCommands)
	}

	m.RecordCommand(ClassRead, 4096, true)
	m.RecordCommand(ClassWrite, 8192, true)
	m.RecordCommand(ClassRead, 512, false)

	snap = m.Snapshot()

	if snap.Commands[ClassRead] != 2 {
		t.Errorf("Expected 2 reads, got %d", snap.Commands[ClassRead])
	}
	if snap.Commands[ClassWrite] != 1 {
		t.Errorf("Expected 1 write, got %d", snap.Commands[ClassWrite])
	}

	// Only successful commands move bytes
	if snap.ReadBytes != 4096 {
		t.Errorf("Expected 4096 read bytes, got %d", snap.ReadBytes)
	}
	if snap.WriteBytes != 8192 {
		t.Errorf("Expected 8192 write bytes, got %d", snap.WriteBytes)
	}

	if snap.Errors[ClassRead] != 1 || snap.TotalErrors != 1 {
		t.Errorf("Expected 1 read error, got %d (total %d)", snap.Errors[ClassRead], snap.TotalErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		admin  bool
		opcode uint8
		want   CommandClass
	}{
		{true, nvme.NVME_ADMIN_IDENTIFY, ClassAdmin},
		{true, nvme.NVME_CMD_READ, ClassAdmin},
		{false, nvme.NVME_CMD_READ, ClassRead},
		{false, nvme.NVME_CMD_WRITE, ClassWrite},
		{false, nvme.NVME_CMD_FLUSH, ClassFlush},
		{false, nvme.NVME_CMD_WRITE_ZEROES, ClassWriteZeroes},
		{false, nvme.NVME_CMD_DSM, ClassDSM},
		{false, nvme.NVME_CMD_COMPARE, ClassOther},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%#x", tt.admin, tt.opcode), func(t *testing.T) {
			if got := ClassOf(tt.admin, tt.opcode); got != tt.want {
				t.Errorf("ClassOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMetricsTransfer(t *testing.T) {
	m := NewMetrics()

	m.RecordTransfer(false, 4096, nil)
	m.RecordTransfer(true, 65536, nil)
	m.RecordTransfer(true, 65536, transfer.ErrTimeout)
	m.RecordTransfer(false, 512, errors.New("map failed"))

	snap := m.Snapshot()
	if snap.MMIOBytes != 4096 || snap.BulkBytes != 65536 {
		t.Errorf("Expected 4096 mmio / 65536 bulk bytes, got %d / %d", snap.MMIOBytes, snap.BulkBytes)
	}
	if snap.TransferErrors != 2 {
		t.Errorf("Expected 2 transfer errors, got %d", snap.TransferErrors)
	}
	if snap.TransferTimeouts != 1 {
		t.Errorf("Expected 1 transfer timeout, got %d", snap.TransferTimeouts)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCompletion(1_000_000)
	m.RecordCompletion(2_000_000)

	snap := m.Snapshot()
	if snap.AvgLatencyNs != 1_500_000 {
		t.Errorf("Expected avg latency 1500000 ns, got %d ns", snap.AvgLatencyNs)
	}
	if snap.CompletionsPosted != 2 {
		t.Errorf("Expected 2 completions, got %d", snap.CompletionsPosted)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(ClassRead, 1024, true)
	m.RecordCommand(ClassAdmin, 4096, true)
	m.RecordCompletion(1000)
	m.CQFull.Add(1)

	if snap := m.Snapshot(); snap.TotalCommands == 0 {
		t.Error("Expected some commands before reset")
	}

	m.Reset()

	snap := m.Snapshot()
	if snap.TotalCommands != 0 {
		t.Errorf("Expected 0 commands after reset, got %d", snap.TotalCommands)
	}
	if snap.ReadBytes != 0 || snap.CQFull != 0 || snap.CompletionsPosted != 0 {
		t.Errorf("Expected counters cleared after reset, got %+v", snap)
	}
}

func TestObserver(t *testing.T) {
	// NoOpObserver must accept every event
	var observer Observer = NoOpObserver{}
	observer.ObserveQueue(queue.SQCreated, 1)
	observer.ObserveCommand(false, nvme.NVME_CMD_READ, 4096, nvme.NVME_SC_SUCCESS)
	observer.ObserveCompletion(1, nvme.NVME_SC_SUCCESS, time.Millisecond)
	observer.ObserveCQFull(1)
	observer.ObserveInterrupt(1)
	observer.ObserveTransfer(true, 4096, nil)

	m := NewMetrics()
	mo := NewMetricsObserver(m)

	mo.ObserveQueue(queue.CQCreated, 1)
	mo.ObserveQueue(queue.SQCreated, 1)
	mo.ObserveQueue(queue.SQDeleted, 1)
	mo.ObserveCommand(false, nvme.NVME_CMD_READ, 4096, nvme.NVME_SC_SUCCESS)
	mo.ObserveCommand(false, nvme.NVME_CMD_WRITE, 2048, nvme.NVME_SC_SUCCESS)
	mo.ObserveCommand(true, nvme.NVME_ADMIN_IDENTIFY, 4096, nvme.NVME_SC_INVALID_FIELD|nvme.NVME_STATUS_DNR)
	mo.ObserveCompletion(1, nvme.NVME_SC_SUCCESS, 50*time.Microsecond)
	mo.ObserveCQFull(1)
	mo.ObserveInterrupt(2)
	mo.ObserveTransfer(false, 4096, nil)

	snap := m.Snapshot()
	if snap.Commands[ClassRead] != 1 || snap.Commands[ClassWrite] != 1 || snap.Commands[ClassAdmin] != 1 {
		t.Errorf("Unexpected per-class counts: %v", snap.Commands)
	}
	if snap.Errors[ClassAdmin] != 1 {
		t.Errorf("Expected 1 admin error, got %d", snap.Errors[ClassAdmin])
	}
	if snap.ReadBytes != 4096 || snap.WriteBytes != 2048 {
		t.Errorf("Expected 4096/2048 bytes, got %d/%d", snap.ReadBytes, snap.WriteBytes)
	}
	if snap.QueuesCreated != 2 || snap.QueuesDeleted != 1 {
		t.Errorf("Expected 2 created / 1 deleted, got %d / %d", snap.QueuesCreated, snap.QueuesDeleted)
	}
	if snap.CQFull != 1 || snap.Interrupts != 1 || snap.CompletionsPosted != 1 || snap.MMIOBytes != 4096 {
		t.Errorf("Completion path counters wrong: %+v", snap)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordCommand(ClassRead, 1024, true)
	m.RecordCommand(ClassWrite, 2048, true)
	m.RecordCommand(ClassAdmin, 0, true)

	m.StopTime.Store(startTime.Add(time.Second).UnixNano())

	snap := m.Snapshot()

	// Admin commands do not count toward IOPS
	if snap.IOPS < 1.9 || snap.IOPS > 2.1 {
		t.Errorf("Expected IOPS ~2.0, got %.2f", snap.IOPS)
	}
	if snap.ReadBandwidth < 1000 || snap.ReadBandwidth > 1050 {
		t.Errorf("Expected ReadBandwidth ~1024, got %.2f", snap.ReadBandwidth)
	}
	if snap.WriteBandwidth < 2000 || snap.WriteBandwidth > 2100 {
		t.Errorf("Expected WriteBandwidth ~2048, got %.2f", snap.WriteBandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordCompletion(500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordCompletion(5_000_000) // 5ms
	}
	m.RecordCompletion(50_000_000) // 50ms

	snap := m.Snapshot()

	if snap.CompletionsPosted != 100 {
		t.Errorf("Expected 100 completions, got %d", snap.CompletionsPosted)
	}
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}
	if snap.LatencyHistogram[numLatencyBuckets-1] != 100 {
		t.Errorf("Expected the last cumulative bucket to hold every completion, got %d", snap.LatencyHistogram[numLatencyBuckets-1])
	}
}
