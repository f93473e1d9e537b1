package dispatch

import (
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
)

func (d *Dispatcher) admin(ctx context.Context, cmd *queue.Command) {
	c := &cmd.Cmd

	if d.logger != nil {
		d.logger.Debugf("queue 0: cid %d %s", c.CommandID, nvme.AdminOpcodeName(c.Opcode))
	}

	switch c.Opcode {
	case nvme.NVME_ADMIN_CREATE_CQ:
		fail(cmd, d.createCQ(c))
	case nvme.NVME_ADMIN_CREATE_SQ:
		fail(cmd, d.createSQ(c))
	case nvme.NVME_ADMIN_DELETE_SQ:
		fail(cmd, d.deleteSQ(c))
	case nvme.NVME_ADMIN_DELETE_CQ:
		fail(cmd, d.deleteCQ(c))
	case nvme.NVME_ADMIN_SET_FEATURES:
		d.setFeatures(ctx, cmd)
	case nvme.NVME_ADMIN_GET_FEATURES:
		d.getFeatures(ctx, cmd)
	case nvme.NVME_ADMIN_IDENTIFY:
		var post hook
		if c.CNS() == nvme.NVME_ID_CNS_CTRL {
			post = d.fixupIdentify
		}
		d.exec(ctx, cmd, interfaces.DirToHost, nvme.NVME_IDENTIFY_DATA_SIZE, post, false)
	case nvme.NVME_ADMIN_GET_LOG_PAGE:
		var post hook
		if c.LogPageID() == nvme.NVME_LOG_CMD_EFFECTS {
			post = fixupEffects
		}
		d.exec(ctx, cmd, interfaces.DirToHost, c.LogPageLen(), post, false)
	case nvme.NVME_ADMIN_ABORT_CMD:
		d.exec(ctx, cmd, interfaces.DirNone, 0, nil, false)
	case nvme.NVME_ADMIN_ASYNC_EVENT:
		// Never completed: there is no safe way to cancel an outstanding
		// event request when the controller is torn down.
		cmd.Release()
		return
	default:
		cmd.SetStatus(nvme.NVME_SC_INVALID_OPCODE | nvme.NVME_STATUS_DNR)
	}

	d.complete(cmd)
}

func (d *Dispatcher) createCQ(c *nvme.Command) error {
	qid, flags, size, vector := c.QueueID(), c.QueueFlags(), c.QueueSize(), c.IRQVector()

	if qid == 0 || int(qid) >= d.qm.NrQueues() || d.qm.CQRef(qid) > 0 {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "create cq %d", qid)
	}
	if flags&nvme.NVME_QUEUE_PHYS_CONTIG == 0 {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "create cq %d: not physically contiguous", qid)
	}
	if size == 0 || int(size) > d.maxEntries {
		return nvme.Errorf(nvme.NVME_SC_QUEUE_SIZE, "create cq %d: size %d", qid, size)
	}
	if int(vector) >= d.nrVectors {
		return nvme.Errorf(nvme.NVME_SC_INVALID_VECTOR, "create cq %d: vector %d", qid, vector)
	}

	return d.qm.CreateCQ(qid, flags, size, vector, c.PRP1)
}

func (d *Dispatcher) createSQ(c *nvme.Command) error {
	qid, cqid, flags, size := c.QueueID(), c.CQID(), c.QueueFlags(), c.QueueSize()

	if qid == 0 || int(qid) >= d.qm.NrQueues() || d.qm.SQRef(qid) > 0 {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "create sq %d", qid)
	}
	if cqid == 0 || int(cqid) >= d.qm.NrQueues() || d.qm.CQRef(cqid) == 0 {
		return nvme.Errorf(nvme.NVME_SC_CQ_INVALID, "create sq %d: cq %d", qid, cqid)
	}
	if flags&nvme.NVME_QUEUE_PHYS_CONTIG == 0 {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "create sq %d: not physically contiguous", qid)
	}
	if size == 0 || int(size) > d.maxEntries {
		return nvme.Errorf(nvme.NVME_SC_QUEUE_SIZE, "create sq %d: size %d", qid, size)
	}

	if err := d.qm.CreateSQ(qid, cqid, flags, size, c.PRP1); err != nil {
		return err
	}
	if err := d.qm.StartSQ(qid); err != nil {
		d.qm.DeleteSQ(qid)
		return nvme.WrapStatus(nvme.NVME_SC_INTERNAL, err, "start sq")
	}
	return nil
}

func (d *Dispatcher) deleteSQ(c *nvme.Command) error {
	qid := c.QueueID()
	if qid == 0 {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "delete admin sq")
	}
	return d.qm.DeleteSQ(qid)
}

func (d *Dispatcher) deleteCQ(c *nvme.Command) error {
	qid := c.QueueID()
	if qid == 0 {
		return nvme.Errorf(nvme.NVME_SC_QID_INVALID, "delete admin cq")
	}
	return d.qm.DeleteCQ(qid)
}

// queueCountResult encodes the zero-based I/O SQ and CQ counts.
func (d *Dispatcher) queueCountResult() uint64 {
	n := uint64(d.qm.NrQueues() - 2)
	return n | n<<16
}

func (d *Dispatcher) setFeatures(ctx context.Context, cmd *queue.Command) {
	c := &cmd.Cmd

	switch c.FeatureID() {
	case nvme.NVME_FEAT_NUM_QUEUES:
		if uint16(c.CDW11) == 0xffff || uint16(c.CDW11>>16) == 0xffff {
			cmd.SetStatus(nvme.NVME_SC_INVALID_FIELD | nvme.NVME_STATUS_DNR)
			return
		}
		if d.qm.IOQueuesExist() {
			cmd.SetStatus(nvme.NVME_SC_CMD_SEQ_ERROR | nvme.NVME_STATUS_DNR)
			return
		}
		cmd.Result = d.queueCountResult()
	case nvme.NVME_FEAT_IRQ_COALESCE, nvme.NVME_FEAT_ARBITRATION:
	default:
		d.exec(ctx, cmd, interfaces.DirNone, 0, nil, false)
	}
}

func (d *Dispatcher) getFeatures(ctx context.Context, cmd *queue.Command) {
	switch cmd.Cmd.FeatureID() {
	case nvme.NVME_FEAT_NUM_QUEUES:
		cmd.Result = d.queueCountResult()
	case nvme.NVME_FEAT_IRQ_COALESCE, nvme.NVME_FEAT_ARBITRATION:
	default:
		d.exec(ctx, cmd, interfaces.DirNone, 0, nil, false)
	}
}

// fixupIdentify makes identify controller data describe the endpoint rather
// than the backend controller.
func (d *Dispatcher) fixupIdentify(cmd *queue.Command) {
	id := cmd.Buffer
	if len(id) < nvme.NVME_IDENTIFY_DATA_SIZE {
		return
	}

	binary.LittleEndian.PutUint16(id[nvme.NVME_ID_CTRL_VID:], d.vendorID)
	binary.LittleEndian.PutUint16(id[nvme.NVME_ID_CTRL_SSVID:], d.vendorID)

	// MDTS is a power of two in units of the minimum page size.
	id[nvme.NVME_ID_CTRL_MDTS] = uint8(bits.TrailingZeros(uint(d.mdts)) - nvme.NVME_PAGE_SHIFT)

	id[nvme.NVME_ID_CTRL_CMIC] = 0
	id[nvme.NVME_ID_CTRL_APSTA] = 0
	binary.LittleEndian.PutUint32(id[nvme.NVME_ID_CTRL_SGLS:], 0)
}

// fixupEffects marks the queue management opcodes as supported; they are
// implemented locally, not by the backend.
func fixupEffects(cmd *queue.Command) {
	for _, op := range []uint8{
		nvme.NVME_ADMIN_DELETE_SQ,
		nvme.NVME_ADMIN_CREATE_SQ,
		nvme.NVME_ADMIN_DELETE_CQ,
		nvme.NVME_ADMIN_CREATE_CQ,
	} {
		off := nvme.NVME_EFFECTS_ACS_OFFSET + int(op)*4
		if off+4 > len(cmd.Buffer) {
			continue
		}
		acs := binary.LittleEndian.Uint32(cmd.Buffer[off:])
		binary.LittleEndian.PutUint32(cmd.Buffer[off:], acs|nvme.NVME_CMD_EFFECTS_CSUPP)
	}
}
