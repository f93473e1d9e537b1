// Package prp resolves NVMe PRP data pointers into host memory segments.
package prp

import (
	"context"
	"encoding/binary"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
)

// Fetcher copies one host segment into a local buffer. The transfer engine
// implements it; PRP lists are fetched through it.
type Fetcher interface {
	Segment(ctx context.Context, dir interfaces.Direction, seg interfaces.Segment, buf []byte) error
}

// Resolver turns prp1/prp2 into the ordered segments of a transfer.
type Resolver struct {
	fetch     Fetcher
	pageShift uint
	pageSize  uint64
	pageMask  uint64
}

// NewResolver creates a resolver for the negotiated memory page shift.
func NewResolver(fetch Fetcher, pageShift uint) *Resolver {
	size := uint64(1) << pageShift
	return &Resolver{
		fetch:     fetch,
		pageShift: pageShift,
		pageSize:  size,
		pageMask:  size - 1,
	}
}

// PageSize returns the memory page size the resolver uses.
func (r *Resolver) PageSize() int { return int(r.pageSize) }

func (r *Resolver) offset(prp uint64) uint64 { return prp & r.pageMask }

// prpSize is the number of bytes from prp to the end of its page.
func (r *Resolver) prpSize(prp uint64) uint64 { return r.pageSize - r.offset(prp) }

// MaxSegments is the worst-case segment count for a transfer of length
// bytes starting at prp1: one per page spanned.
func (r *Resolver) MaxSegments(prp1 uint64, length int) int {
	return int((uint64(length) + r.offset(prp1) + r.pageSize - 1) >> r.pageShift)
}

// Resolve returns segments covering exactly length bytes. Failures carry the
// completion status to report: InvalidField, InvalidOffset or Internal.
func (r *Resolver) Resolve(ctx context.Context, prp1, prp2 uint64, length int) ([]interfaces.Segment, error) {
	if length <= 0 {
		return nil, nil
	}
	if prp1 == 0 {
		return nil, nvme.Errorf(nvme.NVME_SC_INVALID_FIELD, "null prp1")
	}
	if r.offset(prp1)&0x3 != 0 {
		return nil, nvme.Errorf(nvme.NVME_SC_PRP_INVALID_OFFSET, "prp1 %#x not dword aligned", prp1)
	}

	var (
		segs []interfaces.Segment
		err  error
	)
	if uint64(length)+r.offset(prp1) <= 2*r.pageSize {
		segs, err = r.simple(prp1, prp2, uint64(length))
	} else {
		segs, err = r.list(ctx, prp1, prp2, uint64(length))
	}
	if err != nil {
		return nil, err
	}

	total := 0
	for _, s := range segs {
		total += s.Size
	}
	if total != length {
		return nil, nvme.Errorf(nvme.NVME_SC_INTERNAL, "prps cover %d of %d bytes", total, length)
	}
	return segs, nil
}

func (r *Resolver) simple(prp1, prp2, length uint64) ([]interfaces.Segment, error) {
	first := r.prpSize(prp1)
	if length <= first {
		return []interfaces.Segment{{PCIAddr: prp1, Size: int(length)}}, nil
	}

	if prp2 == 0 {
		return nil, nvme.Errorf(nvme.NVME_SC_INVALID_FIELD, "null prp2 for %d byte transfer", length)
	}
	if r.offset(prp2) != 0 {
		return nil, nvme.Errorf(nvme.NVME_SC_PRP_INVALID_OFFSET, "prp2 %#x has page offset", prp2)
	}
	if prp2 == prp1+first {
		return []interfaces.Segment{{PCIAddr: prp1, Size: int(length)}}, nil
	}
	return []interfaces.Segment{
		{PCIAddr: prp1, Size: int(first)},
		{PCIAddr: prp2, Size: int(length - first)},
	}, nil
}

// fetchList reads the PRP entries at listAddr that are needed for remaining
// bytes, stopping at the end of the list's page.
func (r *Resolver) fetchList(ctx context.Context, listAddr, remaining uint64, buf []byte) ([]byte, error) {
	nrPRPs := (remaining + r.pageMask) >> r.pageShift
	size := nrPRPs << 3
	if avail := r.prpSize(listAddr); size > avail {
		size = avail
	}
	size &^= 7
	if size == 0 {
		return nil, nvme.Errorf(nvme.NVME_SC_PRP_INVALID_OFFSET, "prp list %#x has no room for entries", listAddr)
	}

	list := buf[:size]
	seg := interfaces.Segment{PCIAddr: listAddr, Size: int(size)}
	if err := r.fetch.Segment(ctx, interfaces.DirFromHost, seg, list); err != nil {
		return nil, nvme.WrapStatus(nvme.NVME_SC_INTERNAL, err, "fetch prp list")
	}
	return list, nil
}

func (r *Resolver) list(ctx context.Context, prp1, prp2, length uint64) ([]interfaces.Segment, error) {
	maxSegs := r.MaxSegments(prp1, int(length))
	segs := make([]interfaces.Segment, 1, maxSegs)
	segs[0] = interfaces.Segment{PCIAddr: prp1, Size: int(r.prpSize(prp1))}

	size := uint64(segs[0].Size)
	next := prp1 + size

	if prp2 == 0 {
		return nil, nvme.Errorf(nvme.NVME_SC_INVALID_FIELD, "null prp list pointer")
	}

	var (
		listBuf = make([]byte, r.pageSize)
		list    []byte
		i       int
		nrPRPs  int
		listPtr = prp2
	)
	for size < length {
		remaining := length - size

		if nrPRPs == 0 {
			var err error
			if list, err = r.fetchList(ctx, listPtr, remaining, listBuf); err != nil {
				return nil, err
			}
			nrPRPs = len(list) / 8
			i = 0
		}

		if i >= nrPRPs {
			return nil, nvme.Errorf(nvme.NVME_SC_INTERNAL, "prp list exhausted with %d bytes left", remaining)
		}
		prp := binary.LittleEndian.Uint64(list[i*8:])
		if prp == 0 {
			return nil, nvme.Errorf(nvme.NVME_SC_INVALID_FIELD, "null prp entry %d", i)
		}

		// The last entry of a list points to the next list when more
		// than a page remains.
		if remaining > r.pageSize && i == nrPRPs-1 {
			listPtr = prp
			nrPRPs = 0
			continue
		}

		if r.offset(prp) != 0 {
			return nil, nvme.Errorf(nvme.NVME_SC_PRP_INVALID_OFFSET, "prp entry %#x has page offset", prp)
		}

		if prp != next {
			if len(segs) == maxSegs {
				return nil, nvme.Errorf(nvme.NVME_SC_INTERNAL, "prp segments exceed %d", maxSegs)
			}
			segs = append(segs, interfaces.Segment{PCIAddr: prp})
			next = prp
		}

		n := r.pageSize
		if remaining < n {
			n = remaining
		}
		segs[len(segs)-1].Size += int(n)
		next += n
		size += n
		i++
	}
	return segs, nil
}
