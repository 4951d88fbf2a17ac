package ahci

import (
	"errors"
	"fmt"

	"github.com/sarchlab/ahcisim/disk"
	"github.com/sarchlab/ahcisim/mem"
)

// Errors returned while building a scatter-gather list.
var (
	ErrNoPRDT    = errors.New("command has no PRDT entries")
	ErrShortPRDT = errors.New("PRDT mapping is short")
	ErrBadOffset = errors.New("offset is beyond the PRDT")
)

// populateSGList walks the PRDT of hdr and returns up to limit bytes of
// regions, starting offset bytes into the data the PRDT describes.
func populateSGList(
	memory mem.GuestMemory,
	hdr *CommandHeader,
	limit, offset uint64,
) (disk.SGList, error) {
	if hdr.PRDTL == 0 {
		return nil, ErrNoPRDT
	}

	entries, err := readPRDT(memory, hdr)
	if err != nil {
		return nil, err
	}

	offIdx := -1
	var offPos, sum uint64

	for i, e := range entries {
		if offset < sum+e.Size() {
			offIdx = i
			offPos = offset - sum

			break
		}

		sum += e.Size()
	}

	if offIdx < 0 {
		return nil, fmt.Errorf("offset %d, PRDT of %d bytes: %w",
			offset, sum, ErrBadOffset)
	}

	first := entries[offIdx]
	sg := disk.SGList{{
		Addr: first.DBA + offPos,
		Len:  min(first.Size()-offPos, limit),
	}}
	size := sg.Size()

	for i := offIdx + 1; i < len(entries) && size < limit; i++ {
		seg := disk.Segment{
			Addr: entries[i].DBA,
			Len:  min(entries[i].Size(), limit-size),
		}
		sg = append(sg, seg)
		size += seg.Len
	}

	return sg, nil
}

func readPRDT(memory mem.GuestMemory, hdr *CommandHeader) ([]PRDTEntry, error) {
	length := uint64(hdr.PRDTL) * prdEntrySize

	m, err := memory.Map(hdr.CTBA+prdtOffset, length)
	if err != nil {
		return nil, fmt.Errorf("map PRDT: %w", err)
	}
	defer m.Release()

	if m.Len() < length {
		return nil, fmt.Errorf("mapped %d of %d bytes: %w",
			m.Len(), length, ErrShortPRDT)
	}

	raw := make([]byte, length)
	if _, err := m.ReadAt(raw, 0); err != nil {
		return nil, err
	}

	entries := make([]PRDTEntry, hdr.PRDTL)
	for i := range entries {
		off := i * prdEntrySize
		if err := Decode(raw[off:off+prdEntrySize], &entries[i]); err != nil {
			return nil, err
		}
	}

	return entries, nil
}
