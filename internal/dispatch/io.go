package dispatch

import (
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
)

func (d *Dispatcher) io(sq *queue.SubmissionQueue, cmd *queue.Command) {
	c := &cmd.Cmd

	ns, ok := d.backend.Namespace(c.NSID)
	if !ok {
		cmd.SetStatus(nvme.NVME_SC_INVALID_NS | nvme.NVME_STATUS_DNR)
		d.complete(cmd)
		return
	}
	cmd.NS = ns

	var (
		dir    = interfaces.DirNone
		length int
		local  bool
	)
	switch c.Opcode {
	case nvme.NVME_CMD_READ:
		dir, length = interfaces.DirToHost, (int(c.NLB())+1)<<ns.LBAShift()
	case nvme.NVME_CMD_WRITE:
		dir, length = interfaces.DirFromHost, (int(c.NLB())+1)<<ns.LBAShift()
	case nvme.NVME_CMD_FLUSH, nvme.NVME_CMD_WRITE_ZEROES:
	case nvme.NVME_CMD_DSM:
		// Ranges are pulled from the host but the deallocate itself is
		// not executed.
		dir, length, local = interfaces.DirFromHost, c.DSMRanges()*nvme.NVME_DSM_RANGE_SIZE, true
	default:
		cmd.SetStatus(nvme.NVME_SC_INVALID_OPCODE | nvme.NVME_STATUS_DNR)
		d.complete(cmd)
		return
	}

	sq.Go(func() {
		d.exec(sq.Context(), cmd, dir, length, nil, local)
		d.complete(cmd)
	})
}
