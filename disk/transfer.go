package disk

import (
	"fmt"

	"github.com/sarchlab/ahcisim/mem"
)

// execute performs req against backend, moving data through guest memory.
func execute(gm mem.GuestMemory, backend Backend, req *Request) error {
	if req.Op == OpFlush {
		return backend.Flush()
	}

	n := req.Bytes()
	if req.SG.Size() < n {
		return fmt.Errorf("request %s needs %d bytes, list has %d: %w",
			req.ID, n, req.SG.Size(), ErrShortSGList)
	}

	off := int64(req.LBA * SectorSize)
	if uint64(off)+n > backend.Size() {
		return fmt.Errorf("request %s lba %d+%d beyond %d bytes",
			req.ID, req.LBA, req.Sectors, backend.Size())
	}

	buf := make([]byte, n)

	switch req.Op {
	case OpRead:
		if _, err := backend.ReadAt(buf, off); err != nil {
			return err
		}

		return scatter(gm, req.SG, buf)
	case OpWrite:
		if err := gather(gm, req.SG, buf); err != nil {
			return err
		}

		_, err := backend.WriteAt(buf, off)

		return err
	default:
		return fmt.Errorf("request %s: unknown %s", req.ID, req.Op)
	}
}

// scatter copies buf into the segments of sg, in order.
func scatter(gm mem.GuestMemory, sg SGList, buf []byte) error {
	return walkSG(gm, sg, uint64(len(buf)),
		func(m *mem.Mapping, from uint64, n uint64) error {
			_, err := m.WriteAt(buf[from:from+n], 0)
			return err
		})
}

// gather copies the segments of sg into buf, in order.
func gather(gm mem.GuestMemory, sg SGList, buf []byte) error {
	return walkSG(gm, sg, uint64(len(buf)),
		func(m *mem.Mapping, from uint64, n uint64) error {
			_, err := m.ReadAt(buf[from:from+n], 0)
			return err
		})
}

func walkSG(
	gm mem.GuestMemory,
	sg SGList,
	total uint64,
	visit func(m *mem.Mapping, from uint64, n uint64) error,
) error {
	var done uint64

	for _, seg := range sg {
		if done >= total {
			break
		}

		n := seg.Len
		if n > total-done {
			n = total - done
		}

		if err := mapAndVisit(gm, seg.Addr, n, done, visit); err != nil {
			return err
		}

		done += n
	}

	return nil
}

func mapAndVisit(
	gm mem.GuestMemory,
	addr, n, from uint64,
	visit func(m *mem.Mapping, from uint64, n uint64) error,
) error {
	m, err := gm.Map(addr, n)
	if err != nil {
		return err
	}
	defer m.Release()

	if m.Len() < n {
		return fmt.Errorf("dma 0x%x+0x%x: %w", addr, n, mem.ErrUnmapped)
	}

	return visit(m, from, n)
}
