package ahci

import (
	"bytes"
	"fmt"

	"github.com/HewlettPackard/structex"
)

// CommandHeader is one entry of a port's command list.
type CommandHeader struct {
	CFL       uint8 `bitfield:"5"` // Command FIS length in dwords
	ATAPI     uint8 `bitfield:"1"`
	Write     uint8 `bitfield:"1"`
	Prefetch  uint8 `bitfield:"1"`
	Reset     uint8 `bitfield:"1"`
	BIST      uint8 `bitfield:"1"`
	ClearBusy uint8 `bitfield:"1"`
	Rsvd0     uint8 `bitfield:"1"`
	PMP       uint8 `bitfield:"4"`
	PRDTL     uint16
	PRDBC     uint32
	CTBA      uint64
	Rsvd1     [4]uint32
}

// PRDTEntry describes one data region of a command.
type PRDTEntry struct {
	DBA       uint64
	Rsvd0     uint32
	DBC       uint32 `bitfield:"22"` // Byte count, 0 based
	Rsvd1     uint32 `bitfield:"9"`
	Interrupt uint32 `bitfield:"1"`
}

// Size returns the number of bytes the entry covers.
func (e PRDTEntry) Size() uint64 {
	return uint64(e.DBC&0x3fffff) + 1
}

// RegH2D is a Register Host to Device FIS.
type RegH2D struct {
	Type        uint8
	PMP         uint8 `bitfield:"4"`
	Rsvd0       uint8 `bitfield:"3"`
	C           uint8 `bitfield:"1"` // Command register update
	Command     uint8
	FeatureLow  uint8
	LBA0        uint8
	LBA1        uint8
	LBA2        uint8
	Device      uint8
	LBA3        uint8
	LBA4        uint8
	LBA5        uint8
	FeatureHigh uint8
	CountLow    uint8
	CountHigh   uint8
	ICC         uint8
	Control     uint8
	Aux         [4]uint8
}

// LBA returns the 48-bit address of the frame.
func (f *RegH2D) LBA() uint64 {
	return uint64(f.LBA5)<<40 | uint64(f.LBA4)<<32 | uint64(f.LBA3)<<24 |
		uint64(f.LBA2)<<16 | uint64(f.LBA1)<<8 | uint64(f.LBA0)
}

// SetLBA stores a 48-bit address into the frame.
func (f *RegH2D) SetLBA(lba uint64) {
	f.LBA0 = uint8(lba)
	f.LBA1 = uint8(lba >> 8)
	f.LBA2 = uint8(lba >> 16)
	f.LBA3 = uint8(lba >> 24)
	f.LBA4 = uint8(lba >> 32)
	f.LBA5 = uint8(lba >> 40)
}

// Count returns the 16-bit sector count field.
func (f *RegH2D) Count() uint16 {
	return uint16(f.CountHigh)<<8 | uint16(f.CountLow)
}

// Feature returns the 16-bit feature field.
func (f *RegH2D) Feature() uint16 {
	return uint16(f.FeatureHigh)<<8 | uint16(f.FeatureLow)
}

// NCQTag returns the tag of a queued command.
func (f *RegH2D) NCQTag() uint8 {
	return f.CountLow >> 3
}

// NCQSectors returns the sector count of a queued command, which is carried
// in the feature field. 0 means 65536.
func (f *RegH2D) NCQSectors() uint32 {
	n := uint32(f.Feature())
	if n == 0 {
		return 0x10000
	}

	return n
}

// FUA tells if a queued command asks for forced unit access.
func (f *RegH2D) FUA() bool {
	return f.Device&0x80 != 0
}

// RegD2H is a Register Device to Host FIS.
type RegD2H struct {
	Type      uint8
	PMP       uint8 `bitfield:"4"`
	Rsvd0     uint8 `bitfield:"2"`
	Interrupt uint8 `bitfield:"1"`
	Rsvd1     uint8 `bitfield:"1"`
	Status    uint8
	Error     uint8
	LBA0      uint8
	LBA1      uint8
	LBA2      uint8
	Device    uint8
	LBA3      uint8
	LBA4      uint8
	LBA5      uint8
	Rsvd2     uint8
	CountLow  uint8
	CountHigh uint8
	Rsvd3     [6]uint8
}

// PIOSetup is a PIO Setup FIS.
type PIOSetup struct {
	Type          uint8
	PMP           uint8 `bitfield:"4"`
	Rsvd0         uint8 `bitfield:"1"`
	Direction     uint8 `bitfield:"1"` // 1 is device to host
	Interrupt     uint8 `bitfield:"1"`
	Rsvd1         uint8 `bitfield:"1"`
	Status        uint8
	Error         uint8
	LBA0          uint8
	LBA1          uint8
	LBA2          uint8
	Device        uint8
	LBA3          uint8
	LBA4          uint8
	LBA5          uint8
	Rsvd2         uint8
	CountLow      uint8
	CountHigh     uint8
	Rsvd3         uint8
	EStatus       uint8
	TransferCount uint16
	Rsvd4         [2]uint8
}

// SetDeviceBits is a Set Device Bits FIS.
type SetDeviceBits struct {
	Type         uint8
	PMP          uint8 `bitfield:"4"`
	Rsvd0        uint8 `bitfield:"2"`
	Interrupt    uint8 `bitfield:"1"`
	Notification uint8 `bitfield:"1"`
	Status       uint8
	Error        uint8
	Active       uint32
}

// Decode fills v from the little-endian layout in b.
func Decode(b []byte, v interface{}) error {
	if err := structex.Decode(bytes.NewReader(b), v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}

	return nil
}

// Encode returns the little-endian layout of v.
func Encode(v interface{}) ([]byte, error) {
	b, err := structex.EncodeByteBuffer(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	return b, nil
}

// mustEncode is Encode for the fixed frame types built by the controller.
func mustEncode(v interface{}) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}

	return b
}
