package mem

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// ErrUnmapped is returned when a guest physical address is not backed by any
// memory region.
var ErrUnmapped = errors.New("guest physical address is not mapped")

// GuestMemory is the capability the controller uses to reach guest physical
// memory. A returned Mapping may be shorter than requested when the range
// crosses the end of a region.
type GuestMemory interface {
	Map(addr, length uint64) (*Mapping, error)
}

type region struct {
	base    uint64
	storage *Storage
}

func (r region) contains(addr uint64) bool {
	return addr >= r.base && addr-r.base < r.storage.Capacity()
}

// PhysicalMemory is a GuestMemory built from RAM regions at fixed guest
// physical addresses. Holes between regions are unmapped.
type PhysicalMemory struct {
	regions     []region
	outstanding int64
}

// NewPhysicalMemory creates an empty guest physical address space.
func NewPhysicalMemory() *PhysicalMemory {
	return &PhysicalMemory{}
}

// AddRAM backs [base, base+size) with a new Storage. Overlapping regions
// panic.
func (m *PhysicalMemory) AddRAM(base, size uint64) *Storage {
	for _, r := range m.regions {
		if base < r.base+r.storage.Capacity() && r.base < base+size {
			panic(fmt.Sprintf("RAM region 0x%x+0x%x overlaps 0x%x",
				base, size, r.base))
		}
	}

	s := NewStorage(size)
	m.regions = append(m.regions, region{base: base, storage: s})
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].base < m.regions[j].base
	})

	return s
}

// Map acquires a mapping of [addr, addr+length). The mapping must be
// released by the caller.
func (m *PhysicalMemory) Map(addr, length uint64) (*Mapping, error) {
	for _, r := range m.regions {
		if !r.contains(addr) {
			continue
		}

		avail := r.storage.Capacity() - (addr - r.base)
		if length > avail {
			length = avail
		}

		atomic.AddInt64(&m.outstanding, 1)

		return &Mapping{
			owner:   m,
			storage: r.storage,
			addr:    addr,
			offset:  addr - r.base,
			length:  length,
		}, nil
	}

	return nil, fmt.Errorf("map 0x%x+0x%x: %w", addr, length, ErrUnmapped)
}

// Read copies guest memory into a new slice. It is a convenience for the
// guest side of the model.
func (m *PhysicalMemory) Read(addr, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if err := m.access(addr, buf, false); err != nil {
		return nil, err
	}

	return buf, nil
}

// Write copies data into guest memory.
func (m *PhysicalMemory) Write(addr uint64, data []byte) error {
	return m.access(addr, data, true)
}

func (m *PhysicalMemory) access(addr uint64, buf []byte, write bool) error {
	mapping, err := m.Map(addr, uint64(len(buf)))
	if err != nil {
		return err
	}
	defer mapping.Release()

	if mapping.Len() < uint64(len(buf)) {
		return fmt.Errorf("access 0x%x+0x%x: %w",
			addr, len(buf), ErrUnmapped)
	}

	if write {
		_, err = mapping.WriteAt(buf, 0)
	} else {
		_, err = mapping.ReadAt(buf, 0)
	}

	return err
}

// OutstandingMappings returns the number of mappings not yet released.
func (m *PhysicalMemory) OutstandingMappings() int {
	return int(atomic.LoadInt64(&m.outstanding))
}

func (m *PhysicalMemory) release() {
	atomic.AddInt64(&m.outstanding, -1)
}
