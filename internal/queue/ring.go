package queue

import (
	"fmt"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// copyRing moves buf to or from host memory at addr, remapping when the
// window comes back shorter than asked for.
func copyRing(mem interfaces.HostMemory, addr uint64, buf []byte, toHost bool) error {
	for done := 0; done < len(buf); {
		w, err := mem.Map(addr+uint64(done), len(buf)-done)
		if err != nil {
			return err
		}
		n := w.Size()
		if n > len(buf)-done {
			n = len(buf) - done
		}
		if n <= 0 {
			mem.Unmap(w)
			return fmt.Errorf("map %#x: empty window", addr+uint64(done))
		}
		if toHost {
			err = w.CopyTo(0, buf[done:done+n])
		} else {
			err = w.CopyFrom(buf[done:done+n], 0)
		}
		mem.Unmap(w)
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}
