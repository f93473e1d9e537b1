// Package nvme provides the NVMe register, command and completion definitions
// the endpoint speaks to the host.
package nvme

// Controller register offsets (BAR0)
const (
	NVME_REG_CAP   = 0x0000 // Controller Capabilities (64-bit)
	NVME_REG_VS    = 0x0008 // Version
	NVME_REG_INTMS = 0x000c // Interrupt Mask Set
	NVME_REG_INTMC = 0x0010 // Interrupt Mask Clear
	NVME_REG_CC    = 0x0014 // Controller Configuration
	NVME_REG_CSTS  = 0x001c // Controller Status
	NVME_REG_NSSR  = 0x0020 // NVM Subsystem Reset
	NVME_REG_AQA   = 0x0024 // Admin Queue Attributes
	NVME_REG_ASQ   = 0x0028 // Admin SQ Base Address (64-bit)
	NVME_REG_ACQ   = 0x0030 // Admin CQ Base Address (64-bit)
	NVME_REG_DBS   = 0x1000 // SQ 0 Tail Doorbell
)

// Doorbell layout. The stride is fixed at 4 bytes (CAP.DSTRD = 0).
const (
	NVME_DB_STRIDE = 4
)

// SQDoorbell returns the BAR offset of the tail doorbell for SQ qid.
func SQDoorbell(qid uint16) int {
	return NVME_REG_DBS + int(qid)*2*NVME_DB_STRIDE
}

// CQDoorbell returns the BAR offset of the head doorbell for CQ qid.
func CQDoorbell(qid uint16) int {
	return NVME_REG_DBS + (int(qid)*2+1)*NVME_DB_STRIDE
}

// CAP fields
const (
	NVME_CAP_MQES_MASK    = 0xffff
	NVME_CAP_CQR          = uint64(1) << 16
	NVME_CAP_DSTRD_SHIFT  = 32
	NVME_CAP_DSTRD_MASK   = uint64(0xf) << NVME_CAP_DSTRD_SHIFT
	NVME_CAP_NSSRS        = uint64(1) << 36
	NVME_CAP_CSS_NVM      = uint64(1) << 37
	NVME_CAP_BPS          = uint64(1) << 45
	NVME_CAP_MPSMIN_SHIFT = 48
	NVME_CAP_MPSMIN_MASK  = uint64(0xf) << NVME_CAP_MPSMIN_SHIFT
	NVME_CAP_MPSMAX_SHIFT = 52
	NVME_CAP_MPSMAX_MASK  = uint64(0xf) << NVME_CAP_MPSMAX_SHIFT
	NVME_CAP_PMRS         = uint64(1) << 56
	NVME_CAP_CMBS         = uint64(1) << 57
)

// CAPMQES returns the zero-based maximum queue entries supported.
func CAPMQES(cap uint64) uint16 {
	return uint16(cap & NVME_CAP_MQES_MASK)
}

// CC fields
const (
	NVME_CC_ENABLE       = 1 << 0
	NVME_CC_CSS_SHIFT    = 4
	NVME_CC_MPS_SHIFT    = 7
	NVME_CC_MPS_MASK     = 0xf << NVME_CC_MPS_SHIFT
	NVME_CC_AMS_SHIFT    = 11
	NVME_CC_SHN_SHIFT    = 14
	NVME_CC_SHN_NONE     = 0 << NVME_CC_SHN_SHIFT
	NVME_CC_SHN_NORMAL   = 1 << NVME_CC_SHN_SHIFT
	NVME_CC_SHN_ABRUPT   = 2 << NVME_CC_SHN_SHIFT
	NVME_CC_SHN_MASK     = 3 << NVME_CC_SHN_SHIFT
	NVME_CC_IOSQES_SHIFT = 16
	NVME_CC_IOCQES_SHIFT = 20
)

// CCPageShift returns the host memory page shift selected in CC.MPS.
func CCPageShift(cc uint32) uint {
	return uint((cc&NVME_CC_MPS_MASK)>>NVME_CC_MPS_SHIFT) + 12
}

// CCIOSQES returns the I/O submission queue entry size in bytes.
func CCIOSQES(cc uint32) int {
	return 1 << ((cc >> NVME_CC_IOSQES_SHIFT) & 0xf)
}

// CCIOCQES returns the I/O completion queue entry size in bytes.
func CCIOCQES(cc uint32) int {
	return 1 << ((cc >> NVME_CC_IOCQES_SHIFT) & 0xf)
}

// CSTS fields
const (
	NVME_CSTS_RDY        = 1 << 0
	NVME_CSTS_CFS        = 1 << 1
	NVME_CSTS_SHST_SHIFT = 2
	NVME_CSTS_SHST_OCCUR = 1 << NVME_CSTS_SHST_SHIFT
	NVME_CSTS_SHST_CMPLT = 2 << NVME_CSTS_SHST_SHIFT
	NVME_CSTS_SHST_MASK  = 3 << NVME_CSTS_SHST_SHIFT
)

// AQA fields (zero-based sizes)
const (
	NVME_AQA_ASQS_MASK  = 0xfff
	NVME_AQA_ACQS_SHIFT = 16
	NVME_AQA_ACQS_MASK  = 0xfff
)

// Queue sizes and limits
const (
	NVME_PAGE_SHIFT    = 12
	NVME_PAGE_SIZE     = 1 << NVME_PAGE_SHIFT
	NVME_ADM_SQES      = 64
	NVME_ADM_CQES      = 16
	NVME_CMD_SIZE      = 64
	NVME_CQE_SIZE      = 16
	NVME_MIN_IO_SQES   = 64
	NVME_MIN_IO_CQES   = 16
	NVME_MAX_NR_QUEUES = 16
)

// Admin command opcodes
const (
	NVME_ADMIN_DELETE_SQ     = 0x00
	NVME_ADMIN_CREATE_SQ     = 0x01
	NVME_ADMIN_GET_LOG_PAGE  = 0x02
	NVME_ADMIN_DELETE_CQ     = 0x04
	NVME_ADMIN_CREATE_CQ     = 0x05
	NVME_ADMIN_IDENTIFY      = 0x06
	NVME_ADMIN_ABORT_CMD     = 0x08
	NVME_ADMIN_SET_FEATURES  = 0x09
	NVME_ADMIN_GET_FEATURES  = 0x0a
	NVME_ADMIN_ASYNC_EVENT   = 0x0c
	NVME_ADMIN_NS_MGMT       = 0x0d
	NVME_ADMIN_ACTIVATE_FW   = 0x10
	NVME_ADMIN_DOWNLOAD_FW   = 0x11
	NVME_ADMIN_NS_ATTACH     = 0x15
	NVME_ADMIN_KEEP_ALIVE    = 0x18
	NVME_ADMIN_FORMAT_NVM    = 0x80
	NVME_ADMIN_SECURITY_SEND = 0x81
	NVME_ADMIN_SECURITY_RECV = 0x82
)

// I/O command opcodes
const (
	NVME_CMD_FLUSH        = 0x00
	NVME_CMD_WRITE        = 0x01
	NVME_CMD_READ         = 0x02
	NVME_CMD_WRITE_UNCOR  = 0x04
	NVME_CMD_COMPARE      = 0x05
	NVME_CMD_WRITE_ZEROES = 0x08
	NVME_CMD_DSM          = 0x09
)

// Command flags (PSDT)
const (
	NVME_CMD_SGL_METABUF = 1 << 6
	NVME_CMD_SGL_METASEG = 1 << 7
	NVME_CMD_SGL_ALL     = NVME_CMD_SGL_METABUF | NVME_CMD_SGL_METASEG
)

// Create queue flags (CDW11 bits 15:0)
const (
	NVME_QUEUE_PHYS_CONTIG = 1 << 0
	NVME_CQ_IRQ_ENABLED    = 1 << 1
)

// Identify CNS values
const (
	NVME_ID_CNS_NS          = 0x00
	NVME_ID_CNS_CTRL        = 0x01
	NVME_ID_CNS_NS_ACTIVE   = 0x02
	NVME_ID_CNS_NS_DESC     = 0x03
	NVME_IDENTIFY_DATA_SIZE = 4096
)

// Identify controller data offsets patched by the endpoint
const (
	NVME_ID_CTRL_VID    = 0
	NVME_ID_CTRL_SSVID  = 2
	NVME_ID_CTRL_SN     = 4
	NVME_ID_CTRL_MN     = 24
	NVME_ID_CTRL_FR     = 64
	NVME_ID_CTRL_CMIC   = 76
	NVME_ID_CTRL_MDTS   = 77
	NVME_ID_CTRL_CNTLID = 78
	NVME_ID_CTRL_VER    = 80
	NVME_ID_CTRL_OACS   = 256
	NVME_ID_CTRL_APSTA  = 265
	NVME_ID_CTRL_SQES   = 512
	NVME_ID_CTRL_CQES   = 513
	NVME_ID_CTRL_NN     = 516
	NVME_ID_CTRL_ONCS   = 520
	NVME_ID_CTRL_VWC    = 525
	NVME_ID_CTRL_SGLS   = 536
)

// Identify namespace data offsets
const (
	NVME_ID_NS_NSZE    = 0
	NVME_ID_NS_NCAP    = 8
	NVME_ID_NS_NUSE    = 16
	NVME_ID_NS_NLBAF   = 25
	NVME_ID_NS_FLBAS   = 26
	NVME_ID_NS_NGUID   = 104
	NVME_ID_NS_EUI64   = 120
	NVME_ID_NS_LBAF0   = 128
	NVME_LBAF_DS_SHIFT = 16
)

// ONCS bits
const (
	NVME_CTRL_ONCS_DSM          = 1 << 2
	NVME_CTRL_ONCS_WRITE_ZEROES = 1 << 3
)

// Log page identifiers
const (
	NVME_LOG_ERROR       = 0x01
	NVME_LOG_SMART       = 0x02
	NVME_LOG_FW_SLOT     = 0x03
	NVME_LOG_CMD_EFFECTS = 0x05
)

// Command effects log layout: 256 admin entries then 256 I/O entries, 4 bytes each.
const (
	NVME_EFFECTS_ACS_OFFSET  = 0
	NVME_EFFECTS_IOCS_OFFSET = 1024
	NVME_EFFECTS_LOG_SIZE    = 4096
	NVME_CMD_EFFECTS_CSUPP   = 1 << 0
	NVME_CMD_EFFECTS_LBCC    = 1 << 1
)

// Feature identifiers
const (
	NVME_FEAT_ARBITRATION  = 0x01
	NVME_FEAT_POWER_MGMT   = 0x02
	NVME_FEAT_TEMP_THRESH  = 0x04
	NVME_FEAT_ERR_RECOVERY = 0x05
	NVME_FEAT_VOLATILE_WC  = 0x06
	NVME_FEAT_NUM_QUEUES   = 0x07
	NVME_FEAT_IRQ_COALESCE = 0x08
	NVME_FEAT_IRQ_CONFIG   = 0x09
	NVME_FEAT_WRITE_ATOMIC = 0x0a
	NVME_FEAT_ASYNC_EVENT  = 0x0b
	NVME_FEAT_KATO         = 0x0f
)

// DSM range descriptor size
const (
	NVME_DSM_RANGE_SIZE = 16
	NVME_DSM_MAX_RANGES = 256
	NVME_DSMGMT_AD      = 1 << 2 // CDW11 deallocate attribute
)

// Namespace identification descriptor types
const (
	NVME_NIDT_EUI64 = 0x01
	NVME_NIDT_NGUID = 0x02
	NVME_NIDT_UUID  = 0x03
)

// Log page sizes and SMART field offsets
const (
	NVME_SMART_LOG_SIZE         = 512
	NVME_ERROR_LOG_ENTRY_SIZE   = 64
	NVME_SMART_TEMPERATURE      = 1
	NVME_SMART_AVAIL_SPARE      = 3
	NVME_SMART_SPARE_THRESH     = 4
	NVME_SMART_DATA_UNITS_READ  = 32
	NVME_SMART_DATA_UNITS_WRITE = 48
	NVME_SMART_HOST_READS       = 64
	NVME_SMART_HOST_WRITES      = 80
	NVME_SMART_POWER_ON_HOURS   = 128
)

// AdminOpcodeName returns a printable name for an admin opcode.
func AdminOpcodeName(op uint8) string {
	switch op {
	case NVME_ADMIN_DELETE_SQ:
		return "delete_sq"
	case NVME_ADMIN_CREATE_SQ:
		return "create_sq"
	case NVME_ADMIN_GET_LOG_PAGE:
		return "get_log_page"
	case NVME_ADMIN_DELETE_CQ:
		return "delete_cq"
	case NVME_ADMIN_CREATE_CQ:
		return "create_cq"
	case NVME_ADMIN_IDENTIFY:
		return "identify"
	case NVME_ADMIN_ABORT_CMD:
		return "abort"
	case NVME_ADMIN_SET_FEATURES:
		return "set_features"
	case NVME_ADMIN_GET_FEATURES:
		return "get_features"
	case NVME_ADMIN_ASYNC_EVENT:
		return "async_event"
	case NVME_ADMIN_KEEP_ALIVE:
		return "keep_alive"
	default:
		return "admin_unknown"
	}
}

// IOOpcodeName returns a printable name for an I/O opcode.
func IOOpcodeName(op uint8) string {
	switch op {
	case NVME_CMD_FLUSH:
		return "flush"
	case NVME_CMD_WRITE:
		return "write"
	case NVME_CMD_READ:
		return "read"
	case NVME_CMD_WRITE_ZEROES:
		return "write_zeroes"
	case NVME_CMD_DSM:
		return "dsm"
	default:
		return "io_unknown"
	}
}
