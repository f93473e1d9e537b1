package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

func newTestLoop(t *testing.T) (*Loop, *Memory) {
	t.Helper()
	mem := NewMemory(1 << 20)
	l, err := NewLoop(LoopConfig{
		Namespaces: []NamespaceConfig{
			{NSID: 1, Store: mem},
			{NSID: 3, Store: NewMemory(1 << 20), BlockShift: 12},
		},
		Serial: "LOOP0001",
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, mem
}

func rw(op uint8, nsid uint32, slba uint64, nlb uint16) *nvme.Command {
	return &nvme.Command{
		Opcode: op,
		NSID:   nsid,
		CDW10:  uint32(slba),
		CDW11:  uint32(slba >> 32),
		CDW12:  uint32(nlb),
	}
}

func TestNewLoopValidation(t *testing.T) {
	mem := NewMemory(4096)
	tests := []struct {
		name string
		cfg  LoopConfig
		msg  string
	}{
		{"no namespaces", LoopConfig{}, "at least one namespace"},
		{"nsid zero", LoopConfig{Namespaces: []NamespaceConfig{{NSID: 0, Store: mem}}}, "invalid nsid"},
		{"broadcast nsid", LoopConfig{Namespaces: []NamespaceConfig{{NSID: 0xffffffff, Store: mem}}}, "invalid nsid"},
		{"nil store", LoopConfig{Namespaces: []NamespaceConfig{{NSID: 1}}}, "no store"},
		{"duplicate", LoopConfig{Namespaces: []NamespaceConfig{{NSID: 1, Store: mem}, {NSID: 1, Store: mem}}}, "duplicate"},
		{"block shift", LoopConfig{Namespaces: []NamespaceConfig{{NSID: 1, Store: mem, BlockShift: 8}}}, "block shift"},
		{"one queue", LoopConfig{Namespaces: []NamespaceConfig{{NSID: 1, Store: mem}}, QueueCount: 1}, "below 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoop(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoopRegisters(t *testing.T) {
	l, _ := newTestLoop(t)

	assert.Equal(t, DefaultQueueCount, l.QueueCount())
	assert.Equal(t, uint64(DefaultMaxQueueEntries), l.Cap()&0xffff)
	assert.NotZero(t, l.Cap()&nvme.NVME_CAP_CSS_NVM)
	assert.Equal(t, uint32(0x10400), l.Version())
	assert.Zero(t, l.ControllerConfig()&1, "CC.EN must be clear")
}

func TestLoopIdentify(t *testing.T) {
	l, _ := newTestLoop(t)
	ctx := context.Background()
	buf := make([]byte, nvme.NVME_IDENTIFY_DATA_SIZE)

	cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_IDENTIFY, CDW10: nvme.NVME_ID_CNS_CTRL}, buf)
	require.NoError(t, err)
	require.True(t, cpl.Status.Success())
	assert.Equal(t, "LOOP0001", strings.TrimSpace(string(buf[nvme.NVME_ID_CTRL_SN:nvme.NVME_ID_CTRL_MN])))
	assert.Equal(t, DefaultModel, strings.TrimSpace(string(buf[nvme.NVME_ID_CTRL_MN:nvme.NVME_ID_CTRL_FR])))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[nvme.NVME_ID_CTRL_NN:]))
	assert.Equal(t, byte(0x66), buf[nvme.NVME_ID_CTRL_SQES])

	t.Run("namespace", func(t *testing.T) {
		cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_IDENTIFY, NSID: 3, CDW10: nvme.NVME_ID_CNS_NS}, buf)
		require.NoError(t, err)
		require.True(t, cpl.Status.Success())
		assert.Equal(t, uint64(256), binary.LittleEndian.Uint64(buf[nvme.NVME_ID_NS_NSZE:]))
		lbaf := binary.LittleEndian.Uint32(buf[nvme.NVME_ID_NS_LBAF0:])
		assert.Equal(t, uint32(12), lbaf>>nvme.NVME_LBAF_DS_SHIFT&0xff)

		id, ok := l.NamespaceUUID(3)
		require.True(t, ok)
		assert.Equal(t, id[:], buf[nvme.NVME_ID_NS_NGUID:nvme.NVME_ID_NS_NGUID+16])
	})

	t.Run("unknown namespace", func(t *testing.T) {
		cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_IDENTIFY, NSID: 2, CDW10: nvme.NVME_ID_CNS_NS}, buf)
		require.NoError(t, err)
		assert.Equal(t, nvme.NVME_SC_INVALID_NS, cpl.Status.Code())
	})

	t.Run("active list", func(t *testing.T) {
		cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_IDENTIFY, CDW10: nvme.NVME_ID_CNS_NS_ACTIVE}, buf)
		require.NoError(t, err)
		require.True(t, cpl.Status.Success())
		assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[0:]))
		assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[4:]))
		assert.Zero(t, binary.LittleEndian.Uint32(buf[8:]))

		// Starting after nsid 1 skips it.
		_, err = l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_IDENTIFY, NSID: 1, CDW10: nvme.NVME_ID_CNS_NS_ACTIVE}, buf)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[0:]))
	})

	t.Run("descriptors", func(t *testing.T) {
		cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_IDENTIFY, NSID: 1, CDW10: nvme.NVME_ID_CNS_NS_DESC}, buf)
		require.NoError(t, err)
		require.True(t, cpl.Status.Success())
		assert.Equal(t, byte(nvme.NVME_NIDT_UUID), buf[0])
		assert.Equal(t, byte(16), buf[1])
		id, _ := l.NamespaceUUID(1)
		assert.Equal(t, id[:], buf[4:20])
	})

	t.Run("bad cns", func(t *testing.T) {
		cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_IDENTIFY, CDW10: 0x1f}, buf)
		require.NoError(t, err)
		assert.Equal(t, nvme.NVME_SC_INVALID_FIELD, cpl.Status.Code())
	})
}

func logPage(id uint8, n int) *nvme.Command {
	numd := uint32(n/4 - 1)
	return &nvme.Command{
		Opcode: nvme.NVME_ADMIN_GET_LOG_PAGE,
		CDW10:  uint32(id) | (numd&0xffff)<<16,
		CDW11:  numd >> 16,
	}
}

func TestLoopLogPages(t *testing.T) {
	l, _ := newTestLoop(t)
	ns, _ := l.Namespace(1)
	ctx := context.Background()

	// Two reads and one failing write feed SMART and the error log.
	buf := make([]byte, 8<<10)
	for i := 0; i < 2; i++ {
		_, err := l.Submit(ctx, ns, rw(nvme.NVME_CMD_READ, 1, 0, 15), buf)
		require.NoError(t, err)
	}
	cpl, err := l.Submit(ctx, ns, rw(nvme.NVME_CMD_WRITE, 1, 1<<20, 0), buf)
	require.NoError(t, err)
	require.Equal(t, nvme.NVME_SC_LBA_RANGE, cpl.Status.Code())

	t.Run("smart", func(t *testing.T) {
		page := make([]byte, nvme.NVME_SMART_LOG_SIZE)
		cpl, err := l.Submit(ctx, nil, logPage(nvme.NVME_LOG_SMART, len(page)), page)
		require.NoError(t, err)
		require.True(t, cpl.Status.Success())
		assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(page[nvme.NVME_SMART_HOST_READS:]))
		assert.Zero(t, binary.LittleEndian.Uint64(page[nvme.NVME_SMART_HOST_WRITES:]))
		assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(page[nvme.NVME_SMART_DATA_UNITS_READ:]))
		assert.Equal(t, byte(100), page[nvme.NVME_SMART_AVAIL_SPARE])
	})

	t.Run("error", func(t *testing.T) {
		page := make([]byte, nvme.NVME_ERROR_LOG_ENTRY_SIZE)
		cpl, err := l.Submit(ctx, nil, logPage(nvme.NVME_LOG_ERROR, len(page)), page)
		require.NoError(t, err)
		require.True(t, cpl.Status.Success())
		assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(page[0:]))
		st := nvme.Status(binary.LittleEndian.Uint16(page[12:]) >> 1)
		assert.Equal(t, nvme.NVME_SC_LBA_RANGE, st.Code())
		assert.Equal(t, uint64(1<<20), binary.LittleEndian.Uint64(page[16:]))
	})

	t.Run("effects", func(t *testing.T) {
		page := make([]byte, nvme.NVME_EFFECTS_LOG_SIZE)
		cpl, err := l.Submit(ctx, nil, logPage(nvme.NVME_LOG_CMD_EFFECTS, len(page)), page)
		require.NoError(t, err)
		require.True(t, cpl.Status.Success())
		w := binary.LittleEndian.Uint32(page[nvme.NVME_EFFECTS_IOCS_OFFSET+nvme.NVME_CMD_WRITE*4:])
		assert.Equal(t, uint32(nvme.NVME_CMD_EFFECTS_CSUPP|nvme.NVME_CMD_EFFECTS_LBCC), w)
		id := binary.LittleEndian.Uint32(page[nvme.NVME_EFFECTS_ACS_OFFSET+nvme.NVME_ADMIN_IDENTIFY*4:])
		assert.Equal(t, uint32(nvme.NVME_CMD_EFFECTS_CSUPP), id)
	})

	t.Run("unsupported", func(t *testing.T) {
		page := make([]byte, 512)
		cpl, err := l.Submit(ctx, nil, logPage(nvme.NVME_LOG_FW_SLOT, len(page)), page)
		require.NoError(t, err)
		assert.Equal(t, nvme.NVME_SC_INVALID_LOG, cpl.Status.Code())
	})
}

func TestLoopFeatures(t *testing.T) {
	l, _ := newTestLoop(t)
	ctx := context.Background()

	get := func(fid uint8) interfaces.Completion {
		cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_GET_FEATURES, CDW10: uint32(fid)}, nil)
		require.NoError(t, err)
		return cpl
	}
	set := func(fid uint8, v uint32) interfaces.Completion {
		cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_SET_FEATURES, CDW10: uint32(fid), CDW11: v}, nil)
		require.NoError(t, err)
		return cpl
	}

	assert.Equal(t, uint64(14|14<<16), get(nvme.NVME_FEAT_NUM_QUEUES).Result)
	assert.Equal(t, uint64(14|14<<16), set(nvme.NVME_FEAT_NUM_QUEUES, 63|63<<16).Result)

	require.True(t, set(nvme.NVME_FEAT_KATO, 5000).Status.Success())
	assert.Equal(t, uint64(5000), get(nvme.NVME_FEAT_KATO).Result)

	assert.Zero(t, get(nvme.NVME_FEAT_IRQ_COALESCE).Result)
	assert.Equal(t, nvme.NVME_SC_INVALID_FIELD, get(0x7e).Status.Code())
	assert.Equal(t, nvme.NVME_SC_INVALID_FIELD, set(0x7e, 1).Status.Code())
}

func TestLoopAdminMisc(t *testing.T) {
	l, _ := newTestLoop(t)
	ctx := context.Background()

	tests := []struct {
		opcode uint8
		status nvme.Status
		result uint64
	}{
		{nvme.NVME_ADMIN_ABORT_CMD, nvme.NVME_SC_SUCCESS, 1},
		{nvme.NVME_ADMIN_KEEP_ALIVE, nvme.NVME_SC_SUCCESS, 0},
		{nvme.NVME_ADMIN_ASYNC_EVENT, nvme.NVME_SC_SUCCESS, 0},
		{nvme.NVME_ADMIN_FORMAT_NVM, nvme.NVME_SC_INVALID_OPCODE, 0},
	}
	for _, tt := range tests {
		t.Run(nvme.AdminOpcodeName(tt.opcode), func(t *testing.T) {
			cpl, err := l.Submit(ctx, nil, &nvme.Command{Opcode: tt.opcode}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.status, cpl.Status.Code())
			assert.Equal(t, tt.result, cpl.Result)
		})
	}
}

func TestLoopIO(t *testing.T) {
	l, mem := newTestLoop(t)
	ns, ok := l.Namespace(1)
	require.True(t, ok)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xa5}, 4096)
	cpl, err := l.Submit(ctx, ns, rw(nvme.NVME_CMD_WRITE, 1, 8, 7), data)
	require.NoError(t, err)
	require.True(t, cpl.Status.Success())

	got := make([]byte, 4096)
	_, err = mem.ReadAt(got, 8<<9)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	clear(got)
	cpl, err = l.Submit(ctx, ns, rw(nvme.NVME_CMD_READ, 1, 8, 7), got)
	require.NoError(t, err)
	require.True(t, cpl.Status.Success())
	assert.Equal(t, data, got)

	cpl, err = l.Submit(ctx, ns, rw(nvme.NVME_CMD_WRITE_ZEROES, 1, 10, 1), nil)
	require.NoError(t, err)
	require.True(t, cpl.Status.Success())
	_, err = mem.ReadAt(got, 8<<9)
	require.NoError(t, err)
	assert.Equal(t, data[:1024], got[:1024])
	assert.Equal(t, make([]byte, 1024), got[1024:2048])
	assert.Equal(t, data[2048:], got[2048:])

	cpl, err = l.Submit(ctx, ns, &nvme.Command{Opcode: nvme.NVME_CMD_FLUSH, NSID: 1}, nil)
	require.NoError(t, err)
	assert.True(t, cpl.Status.Success())

	t.Run("lba range", func(t *testing.T) {
		tests := []struct {
			name string
			slba uint64
			nlb  uint16
		}{
			{"past end", 2048, 0},
			{"straddles end", 2047, 1},
			{"huge slba", 1 << 62, 0},
		}
		for _, tt := range tests {
			cpl, err := l.Submit(ctx, ns, rw(nvme.NVME_CMD_READ, 1, tt.slba, tt.nlb), make([]byte, 1024))
			require.NoError(t, err, tt.name)
			assert.Equal(t, nvme.NVME_SC_LBA_RANGE, cpl.Status.Code(), tt.name)
			assert.True(t, cpl.Status.DNR(), tt.name)
		}
	})

	t.Run("short buffer", func(t *testing.T) {
		cpl, err := l.Submit(ctx, ns, rw(nvme.NVME_CMD_READ, 1, 0, 7), make([]byte, 512))
		require.NoError(t, err)
		assert.Equal(t, nvme.NVME_SC_DATA_XFER_ERROR, cpl.Status.Code())
	})

	t.Run("invalid opcode", func(t *testing.T) {
		cpl, err := l.Submit(ctx, ns, &nvme.Command{Opcode: nvme.NVME_CMD_COMPARE, NSID: 1}, nil)
		require.NoError(t, err)
		assert.Equal(t, nvme.NVME_SC_INVALID_OPCODE, cpl.Status.Code())
	})
}

func TestLoopDSM(t *testing.T) {
	l, mem := newTestLoop(t)
	ns, _ := l.Namespace(1)
	ctx := context.Background()

	fill := bytes.Repeat([]byte{0xff}, 8192)
	_, err := mem.WriteAt(fill, 0)
	require.NoError(t, err)

	ranges := make([]byte, 2*nvme.NVME_DSM_RANGE_SIZE)
	binary.LittleEndian.PutUint32(ranges[4:], 2) // blocks 0-1
	binary.LittleEndian.PutUint64(ranges[8:], 0)
	binary.LittleEndian.PutUint32(ranges[16+4:], 1) // block 10
	binary.LittleEndian.PutUint64(ranges[16+8:], 10)

	dsm := &nvme.Command{Opcode: nvme.NVME_CMD_DSM, NSID: 1, CDW10: 1}

	// Without the deallocate attribute nothing changes.
	cpl, err := l.Submit(ctx, ns, dsm, ranges)
	require.NoError(t, err)
	require.True(t, cpl.Status.Success())
	got := make([]byte, 8192)
	mem.ReadAt(got, 0)
	assert.Equal(t, fill, got)

	dsm.CDW11 = nvme.NVME_DSMGMT_AD
	cpl, err = l.Submit(ctx, ns, dsm, ranges)
	require.NoError(t, err)
	require.True(t, cpl.Status.Success())
	mem.ReadAt(got, 0)
	assert.Equal(t, make([]byte, 1024), got[:1024])
	assert.Equal(t, fill[:512], got[1024:1536])
	assert.Equal(t, make([]byte, 512), got[10<<9:11<<9])

	binary.LittleEndian.PutUint64(ranges[16+8:], 4096)
	cpl, err = l.Submit(ctx, ns, dsm, ranges)
	require.NoError(t, err)
	assert.Equal(t, nvme.NVME_SC_LBA_RANGE, cpl.Status.Code())
}

func TestLoopClose(t *testing.T) {
	l, mem := newTestLoop(t)
	ns, _ := l.Namespace(1)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Submit(context.Background(), ns, rw(nvme.NVME_CMD_READ, 1, 0, 0), make([]byte, 512))
	assert.ErrorIs(t, err, interfaces.ErrControllerLost)
	_, err = mem.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoopCanceledContext(t *testing.T) {
	l, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Submit(ctx, nil, &nvme.Command{Opcode: nvme.NVME_ADMIN_KEEP_ALIVE}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoopStats(t *testing.T) {
	l, _ := newTestLoop(t)
	st := l.Stats()
	require.Len(t, st, 2)
	assert.Equal(t, 4096, st[3]["block_size"])
	assert.Equal(t, uint64(256), st[3]["blocks"])
	assert.Equal(t, "memory", st[1]["type"])
}
