// Package passthrough reads and writes raw host PCI address space through
// the transfer engine, one fixed-size chunk at a time.
package passthrough

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ehrlich-b/go-nvmepf/internal/constants"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// ErrLinkDown is returned while the PCI link is down.
var ErrLinkDown = errors.New("pci link is down")

// Segmenter copies a single host segment. The transfer engine implements it.
type Segmenter interface {
	Segment(ctx context.Context, dir interfaces.Direction, seg interfaces.Segment, buf []byte) error
}

// Config configures a Passthrough.
type Config struct {
	Transfer Segmenter
	// LinkUp reports the link state. Nil means the link is always up.
	LinkUp func() bool
	// ChunkSize bounds a single segment copy.
	ChunkSize int
}

// Passthrough moves bytes between host memory and local buffers.
type Passthrough struct {
	xfer   Segmenter
	linkUp func() bool
	chunk  int
}

// New creates a pass-through over cfg.Transfer.
func New(cfg Config) *Passthrough {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = constants.PassthroughChunk
	}
	if cfg.LinkUp == nil {
		cfg.LinkUp = func() bool { return true }
	}
	return &Passthrough{xfer: cfg.Transfer, linkUp: cfg.LinkUp, chunk: cfg.ChunkSize}
}

// ReadAt fills p from host memory at addr. It returns the bytes copied
// before the first failure.
func (p *Passthrough) ReadAt(ctx context.Context, buf []byte, addr uint64) (int, error) {
	return p.copy(ctx, interfaces.DirFromHost, buf, addr)
}

// WriteAt copies p into host memory at addr.
func (p *Passthrough) WriteAt(ctx context.Context, buf []byte, addr uint64) (int, error) {
	return p.copy(ctx, interfaces.DirToHost, buf, addr)
}

func (p *Passthrough) copy(ctx context.Context, dir interfaces.Direction, buf []byte, addr uint64) (int, error) {
	done := 0
	for done < len(buf) {
		if !p.linkUp() {
			return done, ErrLinkDown
		}
		if err := ctx.Err(); err != nil {
			return done, err
		}

		n := len(buf) - done
		if n > p.chunk {
			n = p.chunk
		}
		seg := interfaces.Segment{PCIAddr: addr + uint64(done), Size: n}
		if err := p.xfer.Segment(ctx, dir, seg, buf[done:done+n]); err != nil {
			return done, fmt.Errorf("%s %#x+%d: %w", dir, seg.PCIAddr, n, err)
		}
		done += n
	}
	return done, nil
}

// At adapts the pass-through to io.ReaderAt and io.WriterAt, treating the
// offset as a host PCI address.
func (p *Passthrough) At(ctx context.Context) interface {
	io.ReaderAt
	io.WriterAt
} {
	return &section{p: p, ctx: ctx}
}

type section struct {
	p   *Passthrough
	ctx context.Context
}

func (s *section) ReadAt(buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	return s.p.ReadAt(s.ctx, buf, uint64(off))
}

func (s *section) WriteAt(buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	return s.p.WriteAt(s.ctx, buf, uint64(off))
}
