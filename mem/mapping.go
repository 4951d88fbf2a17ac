package mem

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Mapping is a window onto a contiguous range of guest physical memory.
// Accesses are bounds checked against the mapped length. Release must be
// called exactly once.
type Mapping struct {
	owner    *PhysicalMemory
	storage  *Storage
	addr     uint64
	offset   uint64
	length   uint64
	released bool
}

// Addr returns the guest physical address the mapping starts at.
func (m *Mapping) Addr() uint64 {
	return m.addr
}

// Len returns the number of bytes mapped.
func (m *Mapping) Len() uint64 {
	return m.length
}

// Release gives the mapping back. Releasing twice panics.
func (m *Mapping) Release() {
	if m.released {
		panic("mapping released twice")
	}

	m.released = true
	m.owner.release()
}

func (m *Mapping) check(off int64, n int) error {
	if m.released {
		panic("access through a released mapping")
	}

	if off < 0 || uint64(off)+uint64(n) > m.length {
		return fmt.Errorf("offset 0x%x+0x%x outside mapping of 0x%x: %w",
			off, n, m.length, io.ErrShortBuffer)
	}

	return nil
}

// ReadAt implements io.ReaderAt over the mapped range.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}

	if err := m.storage.ReadInto(m.offset+uint64(off), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt implements io.WriterAt over the mapped range.
func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}

	if err := m.storage.Write(m.offset+uint64(off), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Uint32 reads a little-endian dword at off. Out of range reads return 0.
func (m *Mapping) Uint32(off int64) uint32 {
	var buf [4]byte
	if _, err := m.ReadAt(buf[:], off); err != nil {
		return 0
	}

	return binary.LittleEndian.Uint32(buf[:])
}

// PutUint32 writes a little-endian dword at off.
func (m *Mapping) PutUint32(off int64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := m.WriteAt(buf[:], off)

	return err
}
