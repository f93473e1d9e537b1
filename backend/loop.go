package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-nvmepf/internal/constants"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

const (
	// DefaultQueueCount is the number of queues a loop controller reports.
	DefaultQueueCount = 16
	// DefaultMaxQueueEntries is the zero-based CAP.MQES of a loop controller.
	DefaultMaxQueueEntries = 1023
	// DefaultModel is the identify model string.
	DefaultModel = "go-nvmepf loop controller"

	loopVersion  = 0x10400 // NVMe 1.4
	loopFirmware = "0.1"
)

// NamespaceConfig describes one namespace of a loop controller.
type NamespaceConfig struct {
	NSID  uint32
	Store interfaces.Store
	// BlockShift is log2 of the logical block size. Zero means 512 bytes.
	BlockShift uint
}

// LoopConfig configures a Loop controller.
type LoopConfig struct {
	Namespaces      []NamespaceConfig
	QueueCount      int
	MaxQueueEntries int
	Model           string
	// Serial defaults to a string derived from a random UUID.
	Serial string
}

// loopNamespace is a namespace served by a Loop controller.
type loopNamespace struct {
	id    uint32
	shift uint
	store interfaces.Store
	uuid  uuid.UUID
}

func (n *loopNamespace) ID() uint32     { return n.id }
func (n *loopNamespace) LBAShift() uint { return n.shift }

func (n *loopNamespace) blocks() uint64 {
	return uint64(n.store.Size()) >> n.shift
}

// Loop is an in-process backend controller that executes NVMe commands
// against namespace stores. It stands in for a fabrics controller.
type Loop struct {
	cfg    LoopConfig
	ns     map[uint32]*loopNamespace
	nsids  []uint32
	serial string
	start  time.Time

	mu       sync.Mutex
	features map[uint8]uint32
	errlog   []errorEntry
	errCount uint64

	closed atomic.Bool

	unitsRead    atomic.Uint64
	unitsWritten atomic.Uint64
	hostReads    atomic.Uint64
	hostWrites   atomic.Uint64
}

type errorEntry struct {
	count  uint64
	sqid   uint16
	cid    uint16
	status nvme.Status
	lba    uint64
	nsid   uint32
}

const errorLogDepth = 64

// NewLoop creates a loop controller serving cfg.Namespaces.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if len(cfg.Namespaces) == 0 {
		return nil, errors.New("loop: at least one namespace is required")
	}
	if cfg.QueueCount == 0 {
		cfg.QueueCount = DefaultQueueCount
	}
	if cfg.QueueCount < 2 {
		return nil, fmt.Errorf("loop: queue count %d below 2", cfg.QueueCount)
	}
	if cfg.MaxQueueEntries == 0 {
		cfg.MaxQueueEntries = DefaultMaxQueueEntries
	}
	if cfg.MaxQueueEntries < 1 || cfg.MaxQueueEntries > 0xffff {
		return nil, fmt.Errorf("loop: invalid max queue entries %d", cfg.MaxQueueEntries)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	l := &Loop{
		cfg:      cfg,
		ns:       make(map[uint32]*loopNamespace, len(cfg.Namespaces)),
		serial:   cfg.Serial,
		start:    time.Now(),
		features: make(map[uint8]uint32),
	}
	if l.serial == "" {
		id := uuid.New()
		l.serial = fmt.Sprintf("%X", id[:10])
	}

	for _, nc := range cfg.Namespaces {
		if nc.NSID == 0 || nc.NSID == 0xffffffff {
			return nil, fmt.Errorf("loop: invalid nsid %d", nc.NSID)
		}
		if nc.Store == nil {
			return nil, fmt.Errorf("loop: namespace %d has no store", nc.NSID)
		}
		if _, dup := l.ns[nc.NSID]; dup {
			return nil, fmt.Errorf("loop: duplicate nsid %d", nc.NSID)
		}
		shift := nc.BlockShift
		if shift == 0 {
			shift = 9
		}
		if shift < 9 || shift > 16 {
			return nil, fmt.Errorf("loop: namespace %d block shift %d out of range", nc.NSID, shift)
		}
		l.ns[nc.NSID] = &loopNamespace{
			id:    nc.NSID,
			shift: shift,
			store: nc.Store,
			uuid:  uuid.New(),
		}
		l.nsids = append(l.nsids, nc.NSID)
	}
	sort.Slice(l.nsids, func(i, j int) bool { return l.nsids[i] < l.nsids[j] })

	n := uint32(cfg.QueueCount - 2)
	l.features[nvme.NVME_FEAT_NUM_QUEUES] = n | n<<16
	l.features[nvme.NVME_FEAT_VOLATILE_WC] = 1
	l.features[nvme.NVME_FEAT_TEMP_THRESH] = 0x0157 // 343 K
	return l, nil
}

// Serial returns the identify serial number.
func (l *Loop) Serial() string { return l.serial }

// NamespaceUUID returns the UUID reported in the namespace descriptor list.
func (l *Loop) NamespaceUUID(nsid uint32) (uuid.UUID, bool) {
	ns, ok := l.ns[nsid]
	if !ok {
		return uuid.Nil, false
	}
	return ns.uuid, true
}

// Submit implements the Controller interface
func (l *Loop) Submit(ctx context.Context, ns interfaces.Namespace, cmd *nvme.Command, buf []byte) (interfaces.Completion, error) {
	if l.closed.Load() {
		return interfaces.Completion{}, fmt.Errorf("loop: %w", interfaces.ErrControllerLost)
	}
	if err := ctx.Err(); err != nil {
		return interfaces.Completion{}, err
	}

	var cpl interfaces.Completion
	if ns == nil {
		cpl = l.admin(cmd, buf)
	} else {
		lns, ok := l.ns[ns.ID()]
		if !ok {
			cpl = interfaces.Completion{Status: nvme.NVME_SC_INVALID_NS | nvme.NVME_STATUS_DNR}
		} else {
			cpl = l.io(lns, cmd, buf)
		}
	}
	if !cpl.Status.Success() {
		l.logError(cmd, ns == nil, cpl.Status)
	}
	return cpl, nil
}

func (l *Loop) logError(cmd *nvme.Command, admin bool, st nvme.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errCount++
	e := errorEntry{
		count:  l.errCount,
		cid:    cmd.CommandID,
		status: st,
		nsid:   cmd.NSID,
	}
	if !admin {
		// The submitting SQ is not known here.
		e.sqid = 0xffff
		e.lba = cmd.SLBA()
	}
	l.errlog = append([]errorEntry{e}, l.errlog...)
	if len(l.errlog) > errorLogDepth {
		l.errlog = l.errlog[:errorLogDepth]
	}
}

func success() interfaces.Completion { return interfaces.Completion{} }

func fail(st nvme.Status) interfaces.Completion {
	return interfaces.Completion{Status: st | nvme.NVME_STATUS_DNR}
}

func (l *Loop) admin(cmd *nvme.Command, buf []byte) interfaces.Completion {
	switch cmd.Opcode {
	case nvme.NVME_ADMIN_IDENTIFY:
		return l.identify(cmd, buf)
	case nvme.NVME_ADMIN_GET_LOG_PAGE:
		return l.getLogPage(cmd, buf)
	case nvme.NVME_ADMIN_GET_FEATURES:
		return l.getFeatures(cmd)
	case nvme.NVME_ADMIN_SET_FEATURES:
		return l.setFeatures(cmd)
	case nvme.NVME_ADMIN_ABORT_CMD:
		// Commands execute synchronously so there is never anything to
		// abort. Bit 0 set reports "not aborted".
		return interfaces.Completion{Result: 1}
	case nvme.NVME_ADMIN_KEEP_ALIVE, nvme.NVME_ADMIN_ASYNC_EVENT:
		return success()
	default:
		return fail(nvme.NVME_SC_INVALID_OPCODE)
	}
}

func (l *Loop) identify(cmd *nvme.Command, buf []byte) interfaces.Completion {
	if len(buf) < nvme.NVME_IDENTIFY_DATA_SIZE {
		return fail(nvme.NVME_SC_DATA_XFER_ERROR)
	}
	buf = buf[:nvme.NVME_IDENTIFY_DATA_SIZE]
	clear(buf)

	switch cmd.CNS() {
	case nvme.NVME_ID_CNS_CTRL:
		l.identifyController(buf)
	case nvme.NVME_ID_CNS_NS:
		ns, ok := l.ns[cmd.NSID]
		if !ok {
			return fail(nvme.NVME_SC_INVALID_NS)
		}
		identifyNamespace(ns, buf)
	case nvme.NVME_ID_CNS_NS_ACTIVE:
		i := 0
		for _, id := range l.nsids {
			if id <= cmd.NSID {
				continue
			}
			binary.LittleEndian.PutUint32(buf[i*4:], id)
			i++
			if i == nvme.NVME_IDENTIFY_DATA_SIZE/4 {
				break
			}
		}
	case nvme.NVME_ID_CNS_NS_DESC:
		ns, ok := l.ns[cmd.NSID]
		if !ok {
			return fail(nvme.NVME_SC_INVALID_NS)
		}
		buf[0] = nvme.NVME_NIDT_UUID
		buf[1] = 16
		copy(buf[4:20], ns.uuid[:])
	default:
		return fail(nvme.NVME_SC_INVALID_FIELD)
	}
	return success()
}

func (l *Loop) identifyController(buf []byte) {
	binary.LittleEndian.PutUint16(buf[nvme.NVME_ID_CTRL_VID:], constants.DefaultVendorID)
	binary.LittleEndian.PutUint16(buf[nvme.NVME_ID_CTRL_SSVID:], constants.DefaultVendorID)
	copy(buf[nvme.NVME_ID_CTRL_SN:nvme.NVME_ID_CTRL_MN], fmt.Sprintf("%-20.20s", l.serial))
	copy(buf[nvme.NVME_ID_CTRL_MN:nvme.NVME_ID_CTRL_FR], fmt.Sprintf("%-40.40s", l.cfg.Model))
	copy(buf[nvme.NVME_ID_CTRL_FR:nvme.NVME_ID_CTRL_FR+8], fmt.Sprintf("%-8.8s", loopFirmware))
	binary.LittleEndian.PutUint16(buf[nvme.NVME_ID_CTRL_CNTLID:], 1)
	binary.LittleEndian.PutUint32(buf[nvme.NVME_ID_CTRL_VER:], loopVersion)
	buf[nvme.NVME_ID_CTRL_SQES] = 0x66
	buf[nvme.NVME_ID_CTRL_CQES] = 0x44
	binary.LittleEndian.PutUint32(buf[nvme.NVME_ID_CTRL_NN:], l.nsids[len(l.nsids)-1])
	binary.LittleEndian.PutUint16(buf[nvme.NVME_ID_CTRL_ONCS:], nvme.NVME_CTRL_ONCS_DSM|nvme.NVME_CTRL_ONCS_WRITE_ZEROES)
	buf[nvme.NVME_ID_CTRL_VWC] = 1
}

func identifyNamespace(ns *loopNamespace, buf []byte) {
	blocks := ns.blocks()
	binary.LittleEndian.PutUint64(buf[nvme.NVME_ID_NS_NSZE:], blocks)
	binary.LittleEndian.PutUint64(buf[nvme.NVME_ID_NS_NCAP:], blocks)
	binary.LittleEndian.PutUint64(buf[nvme.NVME_ID_NS_NUSE:], blocks)
	buf[nvme.NVME_ID_NS_NLBAF] = 0
	buf[nvme.NVME_ID_NS_FLBAS] = 0
	copy(buf[nvme.NVME_ID_NS_NGUID:nvme.NVME_ID_NS_NGUID+16], ns.uuid[:])
	binary.LittleEndian.PutUint32(buf[nvme.NVME_ID_NS_LBAF0:], uint32(ns.shift)<<nvme.NVME_LBAF_DS_SHIFT)
}

func (l *Loop) getLogPage(cmd *nvme.Command, buf []byte) interfaces.Completion {
	n := cmd.LogPageLen()
	if n > len(buf) {
		n = len(buf)
	}
	buf = buf[:n]
	clear(buf)

	switch cmd.LogPageID() {
	case nvme.NVME_LOG_CMD_EFFECTS:
		page := make([]byte, nvme.NVME_EFFECTS_LOG_SIZE)
		for _, op := range []uint8{
			nvme.NVME_ADMIN_GET_LOG_PAGE, nvme.NVME_ADMIN_IDENTIFY, nvme.NVME_ADMIN_ABORT_CMD,
			nvme.NVME_ADMIN_SET_FEATURES, nvme.NVME_ADMIN_GET_FEATURES,
			nvme.NVME_ADMIN_ASYNC_EVENT, nvme.NVME_ADMIN_KEEP_ALIVE,
		} {
			binary.LittleEndian.PutUint32(page[nvme.NVME_EFFECTS_ACS_OFFSET+int(op)*4:], nvme.NVME_CMD_EFFECTS_CSUPP)
		}
		for _, op := range []uint8{nvme.NVME_CMD_READ, nvme.NVME_CMD_FLUSH} {
			binary.LittleEndian.PutUint32(page[nvme.NVME_EFFECTS_IOCS_OFFSET+int(op)*4:], nvme.NVME_CMD_EFFECTS_CSUPP)
		}
		for _, op := range []uint8{nvme.NVME_CMD_WRITE, nvme.NVME_CMD_WRITE_ZEROES, nvme.NVME_CMD_DSM} {
			binary.LittleEndian.PutUint32(page[nvme.NVME_EFFECTS_IOCS_OFFSET+int(op)*4:],
				nvme.NVME_CMD_EFFECTS_CSUPP|nvme.NVME_CMD_EFFECTS_LBCC)
		}
		copy(buf, page)
	case nvme.NVME_LOG_SMART:
		copy(buf, l.smartLog())
	case nvme.NVME_LOG_ERROR:
		copy(buf, l.errorLog())
	default:
		return fail(nvme.NVME_SC_INVALID_LOG)
	}
	return success()
}

func putUint128(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
	binary.LittleEndian.PutUint64(b[8:], 0)
}

func (l *Loop) smartLog() []byte {
	page := make([]byte, nvme.NVME_SMART_LOG_SIZE)

	l.mu.Lock()
	temp := l.features[nvme.NVME_FEAT_TEMP_THRESH] & 0xffff
	l.mu.Unlock()
	// Report a composite temperature well under the threshold.
	if temp > 40 {
		temp -= 40
	}
	binary.LittleEndian.PutUint16(page[nvme.NVME_SMART_TEMPERATURE:], uint16(temp))
	page[nvme.NVME_SMART_AVAIL_SPARE] = 100
	page[nvme.NVME_SMART_SPARE_THRESH] = 10

	// Data units are thousands of 512-byte units, rounded up.
	putUint128(page[nvme.NVME_SMART_DATA_UNITS_READ:], (l.unitsRead.Load()+999)/1000)
	putUint128(page[nvme.NVME_SMART_DATA_UNITS_WRITE:], (l.unitsWritten.Load()+999)/1000)
	putUint128(page[nvme.NVME_SMART_HOST_READS:], l.hostReads.Load())
	putUint128(page[nvme.NVME_SMART_HOST_WRITES:], l.hostWrites.Load())
	putUint128(page[nvme.NVME_SMART_POWER_ON_HOURS:], uint64(time.Since(l.start).Hours()))
	return page
}

func (l *Loop) errorLog() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	page := make([]byte, len(l.errlog)*nvme.NVME_ERROR_LOG_ENTRY_SIZE)
	for i, e := range l.errlog {
		b := page[i*nvme.NVME_ERROR_LOG_ENTRY_SIZE:]
		binary.LittleEndian.PutUint64(b[0:], e.count)
		binary.LittleEndian.PutUint16(b[8:], e.sqid)
		binary.LittleEndian.PutUint16(b[10:], e.cid)
		binary.LittleEndian.PutUint16(b[12:], uint16(e.status)<<1)
		binary.LittleEndian.PutUint64(b[16:], e.lba)
		binary.LittleEndian.PutUint32(b[24:], e.nsid)
	}
	return page
}

func (l *Loop) getFeatures(cmd *nvme.Command) interfaces.Completion {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.features[cmd.FeatureID()]
	if !ok {
		switch cmd.FeatureID() {
		case nvme.NVME_FEAT_ARBITRATION, nvme.NVME_FEAT_POWER_MGMT,
			nvme.NVME_FEAT_ERR_RECOVERY, nvme.NVME_FEAT_IRQ_COALESCE,
			nvme.NVME_FEAT_IRQ_CONFIG, nvme.NVME_FEAT_WRITE_ATOMIC,
			nvme.NVME_FEAT_ASYNC_EVENT, nvme.NVME_FEAT_KATO:
			v = 0
		default:
			return fail(nvme.NVME_SC_INVALID_FIELD)
		}
	}
	return interfaces.Completion{Result: uint64(v)}
}

func (l *Loop) setFeatures(cmd *nvme.Command) interfaces.Completion {
	l.mu.Lock()
	defer l.mu.Unlock()

	fid := cmd.FeatureID()
	switch fid {
	case nvme.NVME_FEAT_NUM_QUEUES:
		// The granted count is fixed by QueueCount.
		return interfaces.Completion{Result: uint64(l.features[fid])}
	case nvme.NVME_FEAT_ARBITRATION, nvme.NVME_FEAT_POWER_MGMT,
		nvme.NVME_FEAT_TEMP_THRESH, nvme.NVME_FEAT_ERR_RECOVERY,
		nvme.NVME_FEAT_VOLATILE_WC, nvme.NVME_FEAT_IRQ_COALESCE,
		nvme.NVME_FEAT_IRQ_CONFIG, nvme.NVME_FEAT_WRITE_ATOMIC,
		nvme.NVME_FEAT_ASYNC_EVENT, nvme.NVME_FEAT_KATO:
		l.features[fid] = cmd.CDW11
		return success()
	default:
		return fail(nvme.NVME_SC_INVALID_FIELD)
	}
}

func (l *Loop) rangeCheck(ns *loopNamespace, slba, nlb uint64) (off, length int64, st nvme.Status) {
	blocks := ns.blocks()
	if slba >= blocks || nlb > blocks-slba {
		return 0, 0, nvme.NVME_SC_LBA_RANGE | nvme.NVME_STATUS_DNR
	}
	return int64(slba << ns.shift), int64(nlb << ns.shift), nvme.NVME_SC_SUCCESS
}

func (l *Loop) io(ns *loopNamespace, cmd *nvme.Command, buf []byte) interfaces.Completion {
	switch cmd.Opcode {
	case nvme.NVME_CMD_READ, nvme.NVME_CMD_WRITE:
		off, n, st := l.rangeCheck(ns, cmd.SLBA(), uint64(cmd.NLB())+1)
		if st != nvme.NVME_SC_SUCCESS {
			return interfaces.Completion{Status: st}
		}
		if int64(len(buf)) < n {
			return fail(nvme.NVME_SC_DATA_XFER_ERROR)
		}
		if cmd.Opcode == nvme.NVME_CMD_READ {
			if _, err := ns.store.ReadAt(buf[:n], off); err != nil {
				return fail(nvme.NVME_SC_INTERNAL)
			}
			l.hostReads.Add(1)
			l.unitsRead.Add(uint64(n) >> 9)
		} else {
			if _, err := ns.store.WriteAt(buf[:n], off); err != nil {
				return fail(nvme.NVME_SC_INTERNAL)
			}
			l.hostWrites.Add(1)
			l.unitsWritten.Add(uint64(n) >> 9)
		}
		return success()

	case nvme.NVME_CMD_FLUSH:
		if err := ns.store.Flush(); err != nil {
			return fail(nvme.NVME_SC_INTERNAL)
		}
		return success()

	case nvme.NVME_CMD_WRITE_ZEROES:
		off, n, st := l.rangeCheck(ns, cmd.SLBA(), uint64(cmd.NLB())+1)
		if st != nvme.NVME_SC_SUCCESS {
			return interfaces.Completion{Status: st}
		}
		if err := writeZeroes(ns.store, off, n); err != nil {
			return fail(nvme.NVME_SC_INTERNAL)
		}
		return success()

	case nvme.NVME_CMD_DSM:
		return l.dsm(ns, cmd, buf)

	default:
		return fail(nvme.NVME_SC_INVALID_OPCODE)
	}
}

func (l *Loop) dsm(ns *loopNamespace, cmd *nvme.Command, buf []byte) interfaces.Completion {
	if cmd.CDW11&nvme.NVME_DSMGMT_AD == 0 {
		// Only deallocate has an effect; access hints are advisory.
		return success()
	}
	nr := cmd.DSMRanges()
	if len(buf) < nr*nvme.NVME_DSM_RANGE_SIZE {
		return fail(nvme.NVME_SC_DATA_XFER_ERROR)
	}
	ds, canDiscard := ns.store.(interfaces.DiscardStore)
	for i := 0; i < nr; i++ {
		r := buf[i*nvme.NVME_DSM_RANGE_SIZE:]
		nlb := uint64(binary.LittleEndian.Uint32(r[4:8]))
		slba := binary.LittleEndian.Uint64(r[8:16])
		if nlb == 0 {
			continue
		}
		off, n, st := l.rangeCheck(ns, slba, nlb)
		if st != nvme.NVME_SC_SUCCESS {
			return interfaces.Completion{Status: st}
		}
		if !canDiscard {
			continue
		}
		if err := ds.Discard(off, n); err != nil {
			return fail(nvme.NVME_SC_INTERNAL)
		}
	}
	return success()
}

// writeZeroes uses the store's native zeroing when available.
func writeZeroes(s interfaces.Store, off, n int64) error {
	if zs, ok := s.(interfaces.WriteZeroesStore); ok {
		return zs.WriteZeroes(off, n)
	}
	zero := make([]byte, min(n, 1<<20))
	for n > 0 {
		chunk := min(n, int64(len(zero)))
		if _, err := s.WriteAt(zero[:chunk], off); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

// Namespace implements the Controller interface
func (l *Loop) Namespace(nsid uint32) (interfaces.Namespace, bool) {
	ns, ok := l.ns[nsid]
	if !ok {
		return nil, false
	}
	return ns, true
}

// QueueCount implements the Controller interface
func (l *Loop) QueueCount() int { return l.cfg.QueueCount }

// Cap implements the Controller interface
func (l *Loop) Cap() uint64 {
	const (
		timeout = 0x0f // 7.5 s in 500 ms units
		cqr     = uint64(1) << 16
	)
	return uint64(l.cfg.MaxQueueEntries) | cqr | timeout<<24 | nvme.NVME_CAP_CSS_NVM
}

// Version implements the Controller interface
func (l *Loop) Version() uint32 { return loopVersion }

// ControllerConfig implements the Controller interface. It reports the
// entry sizes an enabled fabrics controller would carry.
func (l *Loop) ControllerConfig() uint32 {
	const (
		iosqes = 6 << 16
		iocqes = 4 << 20
	)
	return iosqes | iocqes
}

// Close closes every namespace store. Submit reports the controller lost
// afterwards.
func (l *Loop) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, id := range l.nsids {
		if err := l.ns[id].store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("namespace %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Stats reports per-namespace store statistics keyed by NSID.
func (l *Loop) Stats() map[uint32]map[string]interface{} {
	out := make(map[uint32]map[string]interface{}, len(l.ns))
	for id, ns := range l.ns {
		st := map[string]interface{}{
			"size":        ns.store.Size(),
			"block_size":  1 << ns.shift,
			"blocks":      ns.blocks(),
			"block_shift": ns.shift,
		}
		if ss, ok := ns.store.(interfaces.StatStore); ok {
			for k, v := range ss.Stats() {
				st[k] = v
			}
		}
		out[id] = st
	}
	return out
}

// Compile-time interface check
var _ interfaces.Controller = (*Loop)(nil)
