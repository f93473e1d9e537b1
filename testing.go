package nvmepf

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// MockController is an in-memory backend controller with one namespace of
// 512-byte blocks. It tracks calls for verification and can inject failures.
type MockController struct {
	mu     sync.RWMutex
	data   []byte
	queues int
	lost   bool
	status map[uint8]nvme.Status

	adminCalls int
	readCalls  int
	writeCalls int
	flushCalls int
	otherCalls int
}

type mockNamespace struct{}

func (mockNamespace) ID() uint32     { return 1 }
func (mockNamespace) LBAShift() uint { return 9 }

// NewMockController creates a mock controller whose namespace holds size
// bytes. It reports 16 queues.
func NewMockController(size int64) *MockController {
	return &MockController{
		data:   make([]byte, size),
		queues: MaxQueues,
		status: make(map[uint8]nvme.Status),
	}
}

// Submit implements the Controller interface
func (m *MockController) Submit(ctx context.Context, ns Namespace, cmd *nvme.Command, buf []byte) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lost {
		return Completion{}, fmt.Errorf("mock: %w", interfaces.ErrControllerLost)
	}
	if ns == nil {
		m.adminCalls++
		return m.admin(cmd, buf), nil
	}
	if st, ok := m.status[cmd.Opcode]; ok {
		m.count(cmd.Opcode)
		return Completion{Status: st}, nil
	}

	switch cmd.Opcode {
	case nvme.NVME_CMD_READ, nvme.NVME_CMD_WRITE, nvme.NVME_CMD_WRITE_ZEROES:
		m.count(cmd.Opcode)
		off := int64(cmd.SLBA()) << 9
		n := int64(cmd.NLB()+1) << 9
		if off+n > int64(len(m.data)) {
			return Completion{Status: nvme.NVME_SC_LBA_RANGE | nvme.NVME_STATUS_DNR}, nil
		}
		switch cmd.Opcode {
		case nvme.NVME_CMD_READ:
			copy(buf, m.data[off:off+n])
		case nvme.NVME_CMD_WRITE:
			copy(m.data[off:off+n], buf)
		default:
			clear(m.data[off : off+n])
		}
	case nvme.NVME_CMD_FLUSH, nvme.NVME_CMD_DSM:
		m.count(cmd.Opcode)
	default:
		m.otherCalls++
		return Completion{Status: nvme.NVME_SC_INVALID_OPCODE | nvme.NVME_STATUS_DNR}, nil
	}
	return Completion{}, nil
}

func (m *MockController) count(opcode uint8) {
	switch opcode {
	case nvme.NVME_CMD_READ:
		m.readCalls++
	case nvme.NVME_CMD_WRITE:
		m.writeCalls++
	case nvme.NVME_CMD_FLUSH:
		m.flushCalls++
	default:
		m.otherCalls++
	}
}

func (m *MockController) admin(cmd *nvme.Command, buf []byte) Completion {
	if cmd.Opcode != nvme.NVME_ADMIN_IDENTIFY || len(buf) < nvme.NVME_IDENTIFY_DATA_SIZE {
		return Completion{}
	}
	switch cmd.CNS() {
	case nvme.NVME_ID_CNS_CTRL:
		copy(buf[nvme.NVME_ID_CTRL_SN:nvme.NVME_ID_CTRL_MN], fmt.Sprintf("%-20s", "MOCK0001"))
		copy(buf[nvme.NVME_ID_CTRL_MN:nvme.NVME_ID_CTRL_FR], fmt.Sprintf("%-40s", "nvmepf mock controller"))
		buf[nvme.NVME_ID_CTRL_SQES] = 0x66
		buf[nvme.NVME_ID_CTRL_CQES] = 0x44
		binary.LittleEndian.PutUint32(buf[nvme.NVME_ID_CTRL_NN:], 1)
	case nvme.NVME_ID_CNS_NS:
		if cmd.NSID != 1 {
			return Completion{Status: nvme.NVME_SC_INVALID_NS | nvme.NVME_STATUS_DNR}
		}
		blocks := uint64(len(m.data)) >> 9
		binary.LittleEndian.PutUint64(buf[nvme.NVME_ID_NS_NSZE:], blocks)
		binary.LittleEndian.PutUint64(buf[nvme.NVME_ID_NS_NCAP:], blocks)
		binary.LittleEndian.PutUint64(buf[nvme.NVME_ID_NS_NUSE:], blocks)
		binary.LittleEndian.PutUint32(buf[nvme.NVME_ID_NS_LBAF0:], 9<<nvme.NVME_LBAF_DS_SHIFT)
	}
	return Completion{}
}

// Namespace implements the Controller interface
func (m *MockController) Namespace(nsid uint32) (Namespace, bool) {
	if nsid != 1 {
		return nil, false
	}
	return mockNamespace{}, true
}

// QueueCount implements the Controller interface
func (m *MockController) QueueCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues
}

// Cap implements the Controller interface
func (m *MockController) Cap() uint64 {
	return 1023 | nvme.NVME_CAP_CSS_NVM | uint64(0xf)<<24
}

// Version implements the Controller interface
func (m *MockController) Version() uint32 { return 0x10400 }

// ControllerConfig implements the Controller interface
func (m *MockController) ControllerConfig() uint32 { return 0x460000 }

// Testing utility methods

// SetQueueCount changes the reported queue count
func (m *MockController) SetQueueCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = n
}

// SetLost makes every later Submit fail with ErrControllerLost
func (m *MockController) SetLost(lost bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = lost
}

// SetStatus completes every later I/O command with opcode with status
func (m *MockController) SetStatus(opcode uint8, status nvme.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[opcode] = status
}

// ReadData copies namespace bytes at off into p
func (m *MockController) ReadData(p []byte, off int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0
	}
	return copy(p, m.data[off:])
}

// CallCounts returns the number of commands seen per kind
func (m *MockController) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"admin": m.adminCalls,
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
		"other": m.otherCalls,
	}
}

// Reset resets all call counters and injected failures
func (m *MockController) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.adminCalls = 0
	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.otherCalls = 0
	m.lost = false
	m.status = make(map[uint8]nvme.Status)
}

// Compile-time interface check
var _ Controller = (*MockController)(nil)
