// Package mem models the guest physical address space the controller reaches
// through bus-master DMA.
package mem

import (
	"errors"
	"sync"
)

// ErrBeyondCapacity is returned when an access reaches past the end of a
// Storage.
var ErrBeyondCapacity = errors.New(
	"accessing physical address beyond the storage capacity")

// A Storage keeps the data of the guest system.
//
// The storage manages the data in units, similar to pages. Units that are
// never touched by Read and Write are never allocated and read back as zeros.
type Storage struct {
	sync.Mutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity
func NewStorage(capacity uint64) *Storage {
	storage := new(Storage)

	storage.unitSize = 4096
	storage.capacity = capacity
	storage.data = make(map[uint64][]byte)

	return storage
}

// Capacity returns the number of bytes the storage can hold.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) mustBeInRange(address, length uint64) error {
	if address+length > s.capacity || address+length < address {
		return ErrBeyondCapacity
	}

	return nil
}

// createOrGetStorageUnit retrieves a storage unit if the unit has been created
// before. Otherwise it initilizes a storage unit in the storage object
func (s *Storage) createOrGetStorageUnit(address uint64) []byte {
	baseAddr, _ := s.parseAddress(address)

	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return
}

// Read returns a copy of length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	res := make([]byte, length)
	if err := s.ReadInto(address, res); err != nil {
		return nil, err
	}

	return res, nil
}

// ReadInto fills buf with the bytes starting at address.
func (s *Storage) ReadInto(address uint64, buf []byte) error {
	if err := s.mustBeInRange(address, uint64(len(buf))); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	s.walk(address, uint64(len(buf)), func(unit []byte, off uint64) {
		copy(buf[off:], unit)
	})

	return nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	if err := s.mustBeInRange(address, uint64(len(data))); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	s.walk(address, uint64(len(data)), func(unit []byte, off uint64) {
		copy(unit, data[off:])
	})

	return nil
}

// walk visits the unit slices covering [address, address+length). The
// callback receives the part of the unit in range and the offset of that part
// relative to address.
func (s *Storage) walk(
	address, length uint64,
	visit func(unit []byte, off uint64),
) {
	currAddr := address
	end := address + length

	for currAddr < end {
		unit := s.createOrGetStorageUnit(currAddr)
		baseAddr, inUnitAddr := s.parseAddress(currAddr)

		chunkEnd := baseAddr + s.unitSize
		if chunkEnd > end {
			chunkEnd = end
		}

		n := chunkEnd - currAddr
		visit(unit[inUnitAddr:inUnitAddr+n], currAddr-address)
		currAddr += n
	}
}
