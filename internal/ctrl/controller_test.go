package ctrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmepf/internal/hostmem"
	"github.com/ehrlich-b/go-nvmepf/internal/hostsim"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
)

const (
	hostBase = 0x200000
	hostSize = 8 << 20
)

type testNamespace struct{}

func (testNamespace) ID() uint32     { return 1 }
func (testNamespace) LBAShift() uint { return 9 }

type testBackend struct {
	mu      sync.Mutex
	calls   int
	queues  int
	failErr error
}

func (b *testBackend) Submit(ctx context.Context, ns interfaces.Namespace, cmd *nvme.Command, buf []byte) (interfaces.Completion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failErr != nil {
		return interfaces.Completion{}, b.failErr
	}
	if cmd.Opcode == nvme.NVME_ADMIN_IDENTIFY && ns == nil {
		copy(buf[nvme.NVME_ID_CTRL_MN:], "backend")
	}
	return interfaces.Completion{}, nil
}

func (b *testBackend) Namespace(nsid uint32) (interfaces.Namespace, bool) {
	return testNamespace{}, nsid == 1
}

func (b *testBackend) QueueCount() int {
	if b.queues == 0 {
		return 8
	}
	return b.queues
}

func (b *testBackend) Cap() uint64 {
	// MQES 255, DSTRD 1, NSSRS, MPSMAX 64K
	return 255 | 1<<32 | nvme.NVME_CAP_NSSRS | 4<<nvme.NVME_CAP_MPSMAX_SHIFT
}

func (b *testBackend) Version() uint32          { return 0x10400 }
func (b *testBackend) ControllerConfig() uint32 { return 0x460001 }

func (b *testBackend) setFail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

// eventLog records queue lifecycle events in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) ObserveQueue(e queue.QueueEvent, qid uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf("%s:%d", e, qid))
}

func (l *eventLog) ObserveCompletion(uint16, nvme.Status, time.Duration) {}
func (l *eventLog) ObserveCQFull(uint16)                                 {}
func (l *eventLog) ObserveInterrupt(uint16)                              {}
func (l *eventLog) ObserveCommand(bool, uint8, int, nvme.Status)         {}
func (l *eventLog) ObserveTransfer(bool, int, error)                     {}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type countingIRQ struct {
	mu    sync.Mutex
	fail  bool
	kinds []interfaces.IRQType
	vecs  []uint16
}

func (c *countingIRQ) RaiseIRQ(t interfaces.IRQType, vector uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, t)
	c.vecs = append(c.vecs, vector)
	if c.fail && t != interfaces.IRQTypeINTx {
		return errors.New("msi not configured")
	}
	return nil
}

type fixture struct {
	backend *testBackend
	regs    *Registers
	ctrl    *Controller
	host    *hostsim.Host
	events  *eventLog
	irq     *countingIRQ
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := hostmem.New(hostmem.Config{Base: hostBase, Size: hostSize})
	f := &fixture{
		backend: &testBackend{},
		regs:    NewRegisters(RegisterSize(16)),
		events:  &eventLog{},
		irq:     &countingIRQ{},
	}

	c, err := New(Config{
		Backend:      f.backend,
		Registers:    f.regs,
		Memory:       mem,
		Interrupter:  f.irq,
		IRQType:      interfaces.IRQTypeMSIX,
		IRQVectors:   4,
		VendorID:     0x1b96,
		RegisterPoll: time.Millisecond,
		Observer:     f.events,
	})
	require.NoError(t, err)
	f.ctrl = c
	f.host = hostsim.New(f.regs, mem, hostsim.Config{Base: hostBase, Size: hostSize})

	c.LinkUp()
	t.Cleanup(c.LinkDown)
	return f
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQueueCount(t *testing.T) {
	tests := []struct {
		name    string
		backend int
		max     int
		kind    interfaces.IRQType
		vectors int
		want    int
	}{
		{"backend limited", 4, 16, interfaces.IRQTypeMSIX, 32, 4},
		{"hard cap", 64, 0, interfaces.IRQTypeMSIX, 64, 16},
		{"configured cap", 64, 8, interfaces.IRQTypeMSIX, 64, 8},
		{"msi vectors", 8, 16, interfaces.IRQTypeMSI, 3, 3},
		{"intx ignores vectors", 8, 16, interfaces.IRQTypeINTx, 0, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QueueCount(tt.backend, tt.max, tt.kind, tt.vectors))
		})
	}
}

func TestNewRejectsSingleQueue(t *testing.T) {
	_, err := New(Config{
		Backend:    &testBackend{queues: 1},
		Registers:  NewRegisters(RegisterSize(16)),
		Memory:     hostmem.New(hostmem.Config{Base: hostBase, Size: 4096}),
		IRQType:    interfaces.IRQTypeINTx,
		IRQVectors: 1,
	})
	require.Error(t, err)

	_, err = New(Config{
		Backend:   &testBackend{},
		Registers: NewRegisters(0x1000),
		Memory:    hostmem.New(hostmem.Config{Base: hostBase, Size: 4096}),
		IRQType:   interfaces.IRQTypeINTx,
	})
	require.Error(t, err, "register block too small for the doorbells")
}

func TestRegistersAfterLinkUp(t *testing.T) {
	f := newFixture(t)

	caps := f.regs.Read64(nvme.NVME_REG_CAP)
	assert.Equal(t, uint16(255), nvme.CAPMQES(caps))
	assert.NotZero(t, caps&nvme.NVME_CAP_CQR)
	assert.Zero(t, caps&nvme.NVME_CAP_DSTRD_MASK)
	assert.Zero(t, caps&nvme.NVME_CAP_NSSRS)
	assert.Zero(t, caps&(nvme.NVME_CAP_MPSMIN_MASK|nvme.NVME_CAP_MPSMAX_MASK))
	assert.Equal(t, uint32(0x10400), f.regs.Read32(nvme.NVME_REG_VS))
	assert.Equal(t, uint32(0x460000), f.regs.Read32(nvme.NVME_REG_CC))
	assert.Zero(t, f.regs.Read32(nvme.NVME_REG_CSTS))
	assert.Equal(t, StateDisabled, f.ctrl.State())
	assert.Equal(t, 4, f.ctrl.NrQueues())
}

func TestEnableAndIdentify(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	require.NoError(t, f.host.Enable(ctx, 32))
	assert.Equal(t, StateReady, f.ctrl.State())

	id, err := f.host.Identify(ctx, nvme.NVME_ID_CNS_CTRL, 0)
	require.NoError(t, err)
	assert.Equal(t, "backend", string(id[nvme.NVME_ID_CTRL_MN:nvme.NVME_ID_CTRL_MN+7]))
	assert.Equal(t, byte(0x96), id[nvme.NVME_ID_CTRL_VID])

	f.irq.mu.Lock()
	require.NotEmpty(t, f.irq.vecs)
	assert.Equal(t, interfaces.IRQTypeMSIX, f.irq.kinds[0])
	assert.Equal(t, uint16(1), f.irq.vecs[0], "vector 0 is raised as MSI-X vector 1")
	f.irq.mu.Unlock()

	require.NoError(t, f.host.Disable(ctx))
	assert.Equal(t, StateDisabled, f.ctrl.State())
	assert.Zero(t, f.ctrl.Queues().CQRef(0))

	// Re-enable after a disable.
	require.NoError(t, f.host.Enable(ctx, 8))
	_, err = f.host.Identify(ctx, nvme.NVME_ID_CNS_CTRL, 0)
	require.NoError(t, err)
}

func TestDisableOrder(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	require.NoError(t, f.host.Enable(ctx, 32))
	require.NoError(t, f.host.CreateIOQueues(ctx, 1, 1, 16, 1))
	require.NoError(t, f.host.CreateIOQueues(ctx, 2, 1, 16, 1))
	require.NoError(t, f.host.CreateIOQueues(ctx, 3, 2, 16, 2))

	qm := f.ctrl.Queues()
	assert.Equal(t, 3, qm.CQRef(1))
	assert.Equal(t, 2, qm.CQRef(2))

	f.events.reset()
	require.NoError(t, f.host.Disable(ctx))

	assert.Equal(t, []string{
		"sq-deleted:1", "sq-deleted:2", "sq-deleted:3",
		"cq-deleted:1", "cq-deleted:2",
		"sq-deleted:0", "cq-deleted:0",
	}, f.events.snapshot())

	for qid := uint16(0); qid < 4; qid++ {
		assert.Zero(t, qm.SQRef(qid), "sq %d", qid)
		assert.Zero(t, qm.CQRef(qid), "cq %d", qid)
	}
	assert.Zero(t, f.regs.Read32(nvme.NVME_REG_CSTS)&nvme.NVME_CSTS_RDY)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	require.NoError(t, f.host.Enable(ctx, 8))
	require.NoError(t, f.host.Shutdown(ctx))

	csts := f.regs.Read32(nvme.NVME_REG_CSTS)
	assert.Zero(t, csts&nvme.NVME_CSTS_RDY)
	assert.Equal(t, uint32(nvme.NVME_CSTS_SHST_CMPLT), csts&nvme.NVME_CSTS_SHST_MASK)

	// EN is still set but SHN keeps the controller down.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateDisabled, f.ctrl.State())

	require.NoError(t, f.host.Disable(ctx))
	require.NoError(t, f.host.Enable(ctx, 8))
	assert.Zero(t, f.regs.Read32(nvme.NVME_REG_CSTS)&nvme.NVME_CSTS_SHST_MASK)
}

func TestEnableRejectsSmallEntries(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.host.EnableWith(ctx, 8, 5, 4)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateDisabled, f.ctrl.State())
	assert.Zero(t, f.ctrl.Queues().CQRef(0))
}

func TestLinkDownDisables(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	require.NoError(t, f.host.Enable(ctx, 8))
	require.NoError(t, f.host.CreateIOQueuePair(ctx, 1, 8, 0))

	f.ctrl.LinkDown()
	assert.False(t, f.ctrl.IsLinkUp())
	assert.Equal(t, StateDisabled, f.ctrl.State())
	assert.False(t, f.ctrl.Queues().IOQueuesExist())
	assert.Zero(t, f.ctrl.Queues().CQRef(0))

	// CC.EN is still set; the next link up starts from reset values.
	f.ctrl.LinkUp()
	assert.Zero(t, f.regs.Read32(nvme.NVME_REG_CC)&nvme.NVME_CC_ENABLE)
}

func TestBackendLossForcesDisable(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	require.NoError(t, f.host.Enable(ctx, 8))
	require.NoError(t, f.host.CreateIOQueuePair(ctx, 1, 8, 0))

	f.backend.setFail(fmt.Errorf("keep alive timeout: %w", interfaces.ErrControllerLost))
	_, err := f.host.Submit(1, nvme.Command{Opcode: nvme.NVME_CMD_FLUSH, NSID: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.regs.Read32(nvme.NVME_REG_CSTS)&nvme.NVME_CSTS_CFS != 0
	}, time.Second, time.Millisecond)
	assert.Zero(t, f.regs.Read32(nvme.NVME_REG_CSTS)&nvme.NVME_CSTS_RDY)
	assert.Equal(t, StateDisabled, f.ctrl.State())

	// No re-enable until the host resets the controller.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateDisabled, f.ctrl.State())
}

func TestIRQFallback(t *testing.T) {
	irq := &countingIRQ{fail: true}
	line := &irqLine{irq: irq, kind: interfaces.IRQTypeMSI}

	line.Raise(2)
	assert.Equal(t, []interfaces.IRQType{interfaces.IRQTypeMSI, interfaces.IRQTypeINTx}, irq.kinds)
	assert.Equal(t, []uint16{3, 0}, irq.vecs)

	(&irqLine{}).Raise(0)
}

func TestRegisters(t *testing.T) {
	r := NewRegisters(RegisterSize(16))
	assert.Equal(t, 0x2000, r.Size())

	r.Write64(nvme.NVME_REG_ASQ, 0x1122334455667788)
	assert.Equal(t, uint64(0x1122334455667788), r.Read64(nvme.NVME_REG_ASQ))
	assert.Equal(t, uint32(0x55667788), r.Read32(nvme.NVME_REG_ASQ))

	r.Write32(nvme.SQDoorbell(15), 7)
	assert.Equal(t, uint32(7), r.Read32(nvme.SQDoorbell(15)))
	assert.Panics(t, func() { r.Read32(r.Size()) })
	assert.Panics(t, func() { r.Read64(nvme.NVME_REG_CC) })
	require.NoError(t, r.Close())
}
